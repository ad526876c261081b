package wire_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/wire"
)

// TestEncodeDecodeDispatchesToConcreteType exercises the part Listen actually
// depends on: a connection that hasn't seen an envelope yet must still land
// on the right concrete Message type, for more than one shape of message.
func TestEncodeDecodeDispatchesToConcreteType(t *testing.T) {
	sessionID := node.SessionId{9}

	cases := []wire.Message{
		&wire.ServersSetChangeCompleted{Envelope: wire.Envelope{SessionId: sessionID, Nonce: 3}},
		&wire.ConsensusShareChangeResponse{
			Envelope: wire.Envelope{SessionId: sessionID, Nonce: 4},
			Accepted: true,
			Reason:   "ok",
		},
		&wire.ServersSetChangeShareMoveMessage{
			Envelope: wire.Envelope{SessionId: sessionID, Nonce: 5},
			KeyId:    node.KeyId{1},
			Variant:  wire.ShareMoveVariantConfirm,
		},
	}

	for _, original := range cases {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		require.NoError(t, wire.Encode(w, original))
		require.NoError(t, w.Flush())

		decoded, err := wire.Decode(bufio.NewReader(&buf))
		require.NoError(t, err)
		assert.IsType(t, original, decoded)
		assert.Equal(t, sessionID, decoded.SessionID())
	}
}

func TestDecodeRejectsUnknownKindByte(t *testing.T) {
	buf := bufio.NewReader(bytes.NewReader([]byte{0xFF}))
	_, err := wire.Decode(buf)
	assert.Error(t, err)
}
