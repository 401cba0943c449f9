package config

import (
	"testing"

	"github.com/dyluth/burrow/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInit(t *testing.T) {
	t.Run("empty yields no entries", func(t *testing.T) {
		entries, err := ParseInit("  ")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("keeps document order", func(t *testing.T) {
		entries, err := ParseInit(`{
			"zeta": {"classId": "Echo"},
			"alpha": {"classId": "TrainCounter", "gain": 3, "ratio": 0.5, "opts": {"mode": "fast"}, "ids": [1, 2]}
		}`)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "zeta", entries[0].DeviceID)
		assert.Equal(t, "Echo", entries[0].ClassID)
		assert.Empty(t, entries[0].Config)

		alpha := entries[1]
		assert.Equal(t, "alpha", alpha.DeviceID)
		assert.Equal(t, "TrainCounter", alpha.ClassID)
		assert.False(t, alpha.Config.Has("classId"))
		assert.Equal(t, int64(3), alpha.Config["gain"])
		assert.Equal(t, 0.5, alpha.Config["ratio"])
		assert.Equal(t, bus.Hash{"mode": "fast"}, alpha.Config["opts"])
		assert.Equal(t, []any{int64(1), int64(2)}, alpha.Config["ids"])
	})

	t.Run("request uses new style", func(t *testing.T) {
		entries, err := ParseInit(`{"e1": {"classId": "Echo", "prefix": ">"}}`)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		req := entries[0].Request()
		assert.Equal(t, "Echo", req["classId"])
		assert.Equal(t, "e1", req["deviceId"])
		assert.Equal(t, bus.Hash{"prefix": ">"}, req["configuration"])
	})

	errorCases := map[string]string{
		"not an object":    `["a"]`,
		"entry not object": `{"a": 1}`,
		"null entry":       `{"a": null}`,
		"missing classId":  `{"a": {"x": 1}}`,
		"duplicate id":     `{"a": {"classId": "Echo"}, "a": {"classId": "Echo"}}`,
		"truncated":        `{"a": {"classId": "Echo"}`,
		"trailing data":    `{} {}`,
	}
	for name, input := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInit(input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid init")
		})
	}
}
