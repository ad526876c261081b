package wire

import (
	"bufio"
	"fmt"
)

// Kind tags a Message on the wire so a listener that has not yet inspected
// the envelope can dispatch to the right concrete type before calling
// Deserialize, the same job the teacher's serializer package left to each
// caller's own type-switch over a leading byte.
type Kind byte

const (
	KindUnknownSessionsRequest Kind = iota
	KindUnknownSessionsResponse
	KindInitializeShareChangeSession
	KindConfirmShareChangeSessionInitialization
	KindServersSetChangeDelegateResponse
	KindServersSetChangeCompleted
	KindServersSetChangeError
	KindConsensusShareChangeRequest
	KindConsensusShareChangeResponse
	KindServersSetChangeShareMoveMessage
)

func kindOf(m Message) (Kind, error) {
	switch m.(type) {
	case *UnknownSessionsRequest:
		return KindUnknownSessionsRequest, nil
	case *UnknownSessionsResponse:
		return KindUnknownSessionsResponse, nil
	case *InitializeShareChangeSession:
		return KindInitializeShareChangeSession, nil
	case *ConfirmShareChangeSessionInitialization:
		return KindConfirmShareChangeSessionInitialization, nil
	case *ServersSetChangeDelegateResponse:
		return KindServersSetChangeDelegateResponse, nil
	case *ServersSetChangeCompleted:
		return KindServersSetChangeCompleted, nil
	case *ServersSetChangeError:
		return KindServersSetChangeError, nil
	case *ConsensusShareChangeRequest:
		return KindConsensusShareChangeRequest, nil
	case *ConsensusShareChangeResponse:
		return KindConsensusShareChangeResponse, nil
	case *ServersSetChangeShareMoveMessage:
		return KindServersSetChangeShareMoveMessage, nil
	default:
		return 0, fmt.Errorf("wire: unknown message type %T", m)
	}
}

func blank(k Kind) (Message, error) {
	switch k {
	case KindUnknownSessionsRequest:
		return &UnknownSessionsRequest{}, nil
	case KindUnknownSessionsResponse:
		return &UnknownSessionsResponse{}, nil
	case KindInitializeShareChangeSession:
		return &InitializeShareChangeSession{}, nil
	case KindConfirmShareChangeSessionInitialization:
		return &ConfirmShareChangeSessionInitialization{}, nil
	case KindServersSetChangeDelegateResponse:
		return &ServersSetChangeDelegateResponse{}, nil
	case KindServersSetChangeCompleted:
		return &ServersSetChangeCompleted{}, nil
	case KindServersSetChangeError:
		return &ServersSetChangeError{}, nil
	case KindConsensusShareChangeRequest:
		return &ConsensusShareChangeRequest{}, nil
	case KindConsensusShareChangeResponse:
		return &ConsensusShareChangeResponse{}, nil
	case KindServersSetChangeShareMoveMessage:
		return &ServersSetChangeShareMoveMessage{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", k)
	}
}

// Encode writes m's kind byte followed by its serialized body, so Decode can
// reconstruct the right concrete type on the other end of a connection that
// does not otherwise know what it is about to receive.
func Encode(buf *bufio.Writer, m Message) error {
	kind, err := kindOf(m)
	if err != nil {
		return err
	}
	if err := buf.WriteByte(byte(kind)); err != nil {
		return err
	}
	return m.Serialize(buf)
}

// Decode reads a Kind byte and the message body it precedes, as written by Encode.
func Decode(buf *bufio.Reader) (Message, error) {
	kindByte, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	m, err := blank(Kind(kindByte))
	if err != nil {
		return nil, err
	}
	if err := m.Deserialize(buf); err != nil {
		return nil, err
	}
	return m, nil
}
