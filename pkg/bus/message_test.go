package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCodec(t *testing.T) {
	t.Run("keeps train ids above int64 range", func(t *testing.T) {
		big := uint64(1<<63 + 42)
		msg := &Message{
			Header: Hash{HeaderSlotFunction: "slotTimeTick"},
			Body:   Hash{BodyArgs: []any{big, "x", Hash{"classId": "Echo"}}},
		}

		data, err := Encode(msg)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)

		args := decoded.Args()
		require.Len(t, args, 3)
		id, ok := ToUint64(args[0])
		require.True(t, ok)
		assert.Equal(t, big, id)
		assert.Equal(t, "x", args[1])

		cfg, ok := AsHash(args[2])
		require.True(t, ok)
		assert.Equal(t, "Echo", cfg["classId"])

		slot, _ := decoded.Header.String(HeaderSlotFunction)
		assert.Equal(t, "slotTimeTick", slot)
	})

	t.Run("fills missing header and body", func(t *testing.T) {
		data, err := Encode(&Message{})
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.NotNil(t, decoded.Header)
		assert.NotNil(t, decoded.Body)
		assert.Empty(t, decoded.Args())
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Decode([]byte{0xc1})
		assert.Error(t, err)
	})

	t.Run("channel is not serialized", func(t *testing.T) {
		data, err := Encode(&Message{Channel: "somewhere"})
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Empty(t, decoded.Channel)
	})
}
