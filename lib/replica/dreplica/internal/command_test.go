package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		{Type: CommandTPush, Payload: []byte(`[{"id":"a"}]`)},
		{Type: CommandTLeaseCAS, ExpectedTerm: 7, Key: "timer", Payload: []byte(`{"term":8}`)},
		{Type: CommandTLeaseCAS, Key: "empty-payload"},
	} {
		data := cmd.Serialize()
		assert.Len(t, data, cmd.SizeBytes())

		var got Command
		require.NoError(t, got.Deserialize(data))
		assert.Equal(t, cmd, got)
	}
}

func TestDeserializeRejectsTruncatedData(t *testing.T) {
	var c Command
	assert.Error(t, c.Deserialize([]byte{1, 2, 3}))

	data := (&Command{Type: CommandTLeaseCAS, Key: "timer"}).Serialize()
	assert.Error(t, c.Deserialize(data[:len(data)-2]))
}
