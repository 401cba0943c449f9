package device

import (
	"errors"
	"testing"

	"github.com/dyluth/burrow/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	t.Run("registers builtins", func(t *testing.T) {
		require.NoError(t, RegisterBuiltins(r))
		assert.Equal(t, []string{"Echo", "TrainCounter"}, r.Classes())
		assert.True(t, r.Has("Echo"))
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		err := r.Register(Class{ID: "Echo", New: NewEcho})
		assert.ErrorIs(t, err, ErrClassExists)
	})

	t.Run("rejects incomplete classes", func(t *testing.T) {
		assert.ErrorIs(t, r.Register(Class{ID: " ", New: NewEcho}), ErrInvalidClass)
		assert.ErrorIs(t, r.Register(Class{ID: "NoFactory"}), ErrInvalidClass)
	})

	t.Run("must register panics on error", func(t *testing.T) {
		assert.Panics(t, func() { r.MustRegister(Class{ID: "Echo", New: NewEcho}) })
	})
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	dev, err := r.Create("Echo", bus.Hash{KeyDeviceID: "e1", KeyServerID: "srv"})
	require.NoError(t, err)
	assert.Equal(t, "e1", dev.ID())
	assert.Equal(t, "Echo", dev.ClassID())

	_, err = r.Create("Nope", bus.Hash{KeyDeviceID: "x"})
	assert.ErrorIs(t, err, ErrUnknownClass)

	_, err = r.Create("Echo", bus.Hash{})
	assert.Error(t, err, "device id is required")

	require.NoError(t, r.Register(Class{ID: "Nil", New: func(bus.Hash) (Device, error) { return nil, nil }}))
	_, err = r.Create("Nil", bus.Hash{KeyDeviceID: "n"})
	assert.Error(t, err)
}

func TestRegistrySchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	require.NoError(t, r.Register(Class{ID: "Plain", New: NewEcho}))
	require.NoError(t, r.Register(Class{
		ID:     "Broken",
		New:    NewEcho,
		Schema: func() (*Schema, error) { return nil, errors.New("no schema today") },
	}))
	require.NoError(t, r.Register(Class{
		ID:     "Panicky",
		New:    NewEcho,
		Schema: func() (*Schema, error) { panic("schema bug") },
	}))

	schema, err := r.Schema("Echo")
	require.NoError(t, err)
	assert.Equal(t, "Echo", schema.ClassID)
	assert.Equal(t, User, schema.Visibility)

	schema, err = r.Schema("Plain")
	require.NoError(t, err)
	assert.Equal(t, Observer, schema.Visibility)

	_, err = r.Schema("Broken")
	assert.EqualError(t, err, "no schema today")

	_, err = r.Schema("Panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema bug")

	_, err = r.Schema("Missing")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestSchemaToHash(t *testing.T) {
	s := &Schema{
		ClassID:    "Echo",
		Visibility: Expert,
		Parameters: []Parameter{{Key: "prefix", Type: "STRING", Default: ">"}},
	}
	h := s.ToHash()
	assert.Equal(t, "Echo", h["classId"])
	assert.Equal(t, int(Expert), h["visibility"])

	params, ok := h["parameters"].([]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	p, ok := bus.AsHash(params[0])
	require.True(t, ok)
	assert.Equal(t, "prefix", p["key"])
	assert.Equal(t, ">", p["default"])
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, "OBSERVER", Observer.String())
	assert.Equal(t, "ADMIN", Admin.String())
	assert.Equal(t, "AccessLevel(9)", AccessLevel(9).String())

	level, err := ParseAccessLevel("operator")
	require.NoError(t, err)
	assert.Equal(t, Operator, level)

	_, err = ParseAccessLevel("god")
	assert.Error(t, err)
}

func TestDetailedError(t *testing.T) {
	base := errors.New("camera offline")
	err := WithDetails(base, "trace")

	assert.EqualError(t, err, "camera offline")
	assert.ErrorIs(t, err, base)

	var detailed *DetailedError
	require.True(t, errors.As(err, &detailed))
	assert.Equal(t, "trace", detailed.Details())

	assert.NoError(t, WithDetails(nil, "x"))
}
