package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/printer"
	"github.com/spf13/cobra"
)

var (
	classesJSON bool
)

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List the device classes compiled into this binary",
	Long: `List the device classes a server started from this binary can host,
with their visibility and parameters.

Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runClasses,
}

func init() {
	classesCmd.Flags().BoolVar(&classesJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(classesCmd)
}

// newClassRegistry returns the device classes available to servers.
func newClassRegistry() *device.Registry {
	r := device.NewRegistry()
	if err := device.RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// classSummary is one row of the classes listing.
type classSummary struct {
	ClassID    string   `json:"classId"`
	Visibility string   `json:"visibility"`
	Parameters []string `json:"parameters"`
	Error      string   `json:"error,omitempty"`
}

func runClasses(cmd *cobra.Command, args []string) error {
	registry := newClassRegistry()

	var rows []classSummary
	for _, id := range registry.Classes() {
		row := classSummary{ClassID: id, Parameters: []string{}}
		schema, err := registry.Schema(id)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Visibility = schema.Visibility.String()
			for _, p := range schema.Parameters {
				row.Parameters = append(row.Parameters, p.Key)
			}
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if classesJSON {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal classes: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	var table [][]string
	for _, row := range rows {
		if row.Error != "" {
			printer.Warning("%s: schema unavailable: %s\n", row.ClassID, row.Error)
			continue
		}
		table = append(table, []string{row.ClassID, row.Visibility, strings.Join(row.Parameters, ", ")})
	}
	printer.Table(out, []string{"CLASS", "VISIBILITY", "PARAMETERS"}, table)
	return nil
}
