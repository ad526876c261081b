package wire

import (
	"bufio"

	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
)

// Message is the common contract every wire type satisfies: enough to let
// transport.Cluster and the session-level Process methods route and
// replay-check an incoming envelope without knowing its concrete type.
type Message interface {
	SessionID() node.SessionId
	SessionNonce() uint64
	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
}

// Envelope carries the fields common to every message: which session it
// belongs to and the nonce used for replay protection (spec §4.4's
// (session_id, nonce) pair).
type Envelope struct {
	SessionId    node.SessionId
	Nonce        uint64
}

func (e Envelope) SessionID() node.SessionId { return e.SessionId }
func (e Envelope) SessionNonce() uint64      { return e.Nonce }

func (e *Envelope) serialize(buf *bufio.Writer) error {
	if err := WriteSessionId(buf, e.SessionId); err != nil {
		return err
	}
	return WriteUint64(buf, e.Nonce)
}

func (e *Envelope) deserialize(buf *bufio.Reader) error {
	id, err := ReadSessionId(buf)
	if err != nil {
		return err
	}
	nonce, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	e.SessionId, e.Nonce = id, nonce
	return nil
}

// --- top-level SSC (C7) messages -------------------------------------------

// UnknownSessionsRequest asks a slave which keys it holds. The slave reports
// all of them; keys the master already holds itself are dropped on the
// master's side when sessionsqueue.NewQueue merges the two inventories.
type UnknownSessionsRequest struct {
	Envelope
}

func (m *UnknownSessionsRequest) Serialize(buf *bufio.Writer) error   { return m.serialize(buf) }
func (m *UnknownSessionsRequest) Deserialize(buf *bufio.Reader) error { return m.deserialize(buf) }

// UnknownSessionsResponse reports the keys the slave holds, each tagged
// with the set of nodes (per the slave's own knowledge) that currently hold
// a share of it.
type UnknownSessionsResponse struct {
	Envelope
	KeySets map[node.KeyId]node.Set
}

func (m *UnknownSessionsResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(len(m.KeySets))); err != nil {
		return err
	}
	keys := make([]node.KeyId, 0, len(m.KeySets))
	for k := range m.KeySets {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := WriteKeyId(buf, k); err != nil {
			return err
		}
		if err := WriteNodeSet(buf, m.KeySets[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *UnknownSessionsResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	count, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.KeySets = make(map[node.KeyId]node.Set, count)
	for i := uint32(0); i < count; i++ {
		k, err := ReadKeyId(buf)
		if err != nil {
			return err
		}
		set, err := ReadNodeSet(buf)
		if err != nil {
			return err
		}
		m.KeySets[k] = set
	}
	return nil
}

// InitializeShareChangeSession asks a node to build the per-key sub-session
// for keyId, carrying the admin-authorized consensus output (the OLD/NEW
// sets). SigOld/SigNew are encoded on the wire, but ssc.Session sends them
// zero-valued and no sub-session verifies them. Driver
// names the node responsible for actively running the sub-session (calling
// its Initialize and broadcasting the plan); every other recipient builds a
// passive mirror that only answers Driver's traffic.
type InitializeShareChangeSession struct {
	Envelope
	KeyId  node.KeyId
	OldSet node.Set
	NewSet node.Set
	Driver node.NodeId
	SigOld share.Signature
	SigNew share.Signature
}

func (m *InitializeShareChangeSession) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteKeyId(buf, m.KeyId); err != nil {
		return err
	}
	if err := WriteNodeSet(buf, m.OldSet); err != nil {
		return err
	}
	if err := WriteNodeSet(buf, m.NewSet); err != nil {
		return err
	}
	if err := WriteNodeId(buf, m.Driver); err != nil {
		return err
	}
	if err := WriteBytes(buf, m.SigOld[:]); err != nil {
		return err
	}
	return WriteBytes(buf, m.SigNew[:])
}

func (m *InitializeShareChangeSession) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	if m.KeyId, err = ReadKeyId(buf); err != nil {
		return err
	}
	if m.OldSet, err = ReadNodeSet(buf); err != nil {
		return err
	}
	if m.NewSet, err = ReadNodeSet(buf); err != nil {
		return err
	}
	if m.Driver, err = ReadNodeId(buf); err != nil {
		return err
	}
	sigOld, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	copy(m.SigOld[:], sigOld)
	sigNew, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	copy(m.SigNew[:], sigNew)
	return nil
}

// ConfirmShareChangeSessionInitialization is sent by every node asked to
// start a sub-session, once it has built it: as the active driver or as a
// passive mirror.
type ConfirmShareChangeSessionInitialization struct {
	Envelope
	KeyId node.KeyId
}

func (m *ConfirmShareChangeSessionInitialization) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	return WriteKeyId(buf, m.KeyId)
}

func (m *ConfirmShareChangeSessionInitialization) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	m.KeyId, err = ReadKeyId(buf)
	return err
}

// ServersSetChangeDelegateResponse reports the outcome of a delegated
// sub-session back to the node that delegated it.
type ServersSetChangeDelegateResponse struct {
	Envelope
	KeyId   node.KeyId
	Success bool
	Reason  string
}

func (m *ServersSetChangeDelegateResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteKeyId(buf, m.KeyId); err != nil {
		return err
	}
	if err := WriteBool(buf, m.Success); err != nil {
		return err
	}
	return WriteString(buf, m.Reason)
}

func (m *ServersSetChangeDelegateResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	if m.KeyId, err = ReadKeyId(buf); err != nil {
		return err
	}
	if m.Success, err = ReadBool(buf); err != nil {
		return err
	}
	m.Reason, err = ReadString(buf)
	return err
}

// ServersSetChangeCompleted is broadcast by the master once every queued
// sub-session has finished successfully.
type ServersSetChangeCompleted struct {
	Envelope
}

func (m *ServersSetChangeCompleted) Serialize(buf *bufio.Writer) error   { return m.serialize(buf) }
func (m *ServersSetChangeCompleted) Deserialize(buf *bufio.Reader) error { return m.deserialize(buf) }

// ServersSetChangeError is broadcast by the master when any node reports a
// terminal failure; it carries the failure reason for diagnostics.
type ServersSetChangeError struct {
	Envelope
	Reason string
}

func (m *ServersSetChangeError) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	return WriteString(buf, m.Reason)
}

func (m *ServersSetChangeError) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	m.Reason, err = ReadString(buf)
	return err
}

// --- consensus-session (C1/C2/C3) messages ----------------------------------

// ConsensusShareChangeRequest carries the master's access claim (the set it
// wants consensus on) to a slave.
type ConsensusShareChangeRequest struct {
	Envelope
	OldSet node.Set
	NewSet node.Set
	SigOld share.Signature
	SigNew share.Signature
}

func (m *ConsensusShareChangeRequest) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteNodeSet(buf, m.OldSet); err != nil {
		return err
	}
	if err := WriteNodeSet(buf, m.NewSet); err != nil {
		return err
	}
	if err := WriteBytes(buf, m.SigOld[:]); err != nil {
		return err
	}
	return WriteBytes(buf, m.SigNew[:])
}

func (m *ConsensusShareChangeRequest) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	if m.OldSet, err = ReadNodeSet(buf); err != nil {
		return err
	}
	if m.NewSet, err = ReadNodeSet(buf); err != nil {
		return err
	}
	sigOld, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	copy(m.SigOld[:], sigOld)
	sigNew, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	copy(m.SigNew[:], sigNew)
	return nil
}

// ConsensusShareChangeResponse is the slave's accept/reject vote.
type ConsensusShareChangeResponse struct {
	Envelope
	Accepted bool
	Reason   string
}

func (m *ConsensusShareChangeResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteBool(buf, m.Accepted); err != nil {
		return err
	}
	return WriteString(buf, m.Reason)
}

func (m *ConsensusShareChangeResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	if m.Accepted, err = ReadBool(buf); err != nil {
		return err
	}
	m.Reason, err = ReadString(buf)
	return err
}

// --- Share-Move/Add/Remove (C6) messages ------------------------------------

// ServersSetChangeShareMoveMessage wraps the inner share-move protocol
// messages inside the outer sub-session envelope (the "IsolatedSessionTransport"
// framing from the original implementation).
type ServersSetChangeShareMoveMessage struct {
	Envelope
	KeyId   node.KeyId
	Variant ShareMoveVariant
	Request ShareMoveRequest
	Move    ShareMove
	Confirm ShareMoveConfirm
	Error   ShareMoveError
}

// ShareMoveVariant distinguishes the inner payload carried by a
// ServersSetChangeShareMoveMessage.
type ShareMoveVariant uint8

const (
	ShareMoveVariantRequest ShareMoveVariant = iota
	ShareMoveVariantMove
	ShareMoveVariantConfirm
	ShareMoveVariantError
)

// ShareMoveRequest is sent by the sub-session master once consensus is
// established, asking every source node to move its share.
type ShareMoveRequest struct {
	SharesToMove map[node.NodeId]node.NodeId // source -> destination
}

// ShareMove carries the actual DocumentKeyShare fragment from a source node
// to its destination.
type ShareMove struct {
	Share share.DocumentKeyShare
}

// ShareMoveConfirm is broadcast by every node once it has installed (or
// removed) its local share as instructed.
type ShareMoveConfirm struct{}

// ShareMoveError reports a precondition or storage failure for the move.
type ShareMoveError struct {
	Reason string
}

func (m *ServersSetChangeShareMoveMessage) Serialize(buf *bufio.Writer) error {
	if err := m.serialize(buf); err != nil {
		return err
	}
	if err := WriteKeyId(buf, m.KeyId); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(m.Variant)); err != nil {
		return err
	}
	switch m.Variant {
	case ShareMoveVariantRequest:
		return writeNodeMap(buf, m.Request.SharesToMove)
	case ShareMoveVariantMove:
		return writeDocumentKeyShare(buf, m.Move.Share)
	case ShareMoveVariantConfirm:
		return nil
	case ShareMoveVariantError:
		return WriteString(buf, m.Error.Reason)
	}
	return nil
}

func (m *ServersSetChangeShareMoveMessage) Deserialize(buf *bufio.Reader) error {
	if err := m.deserialize(buf); err != nil {
		return err
	}
	var err error
	if m.KeyId, err = ReadKeyId(buf); err != nil {
		return err
	}
	variant, err := buf.ReadByte()
	if err != nil {
		return err
	}
	m.Variant = ShareMoveVariant(variant)
	switch m.Variant {
	case ShareMoveVariantRequest:
		m.Request.SharesToMove, err = readNodeMap(buf)
		return err
	case ShareMoveVariantMove:
		m.Move.Share, err = readDocumentKeyShare(buf)
		return err
	case ShareMoveVariantConfirm:
		return nil
	case ShareMoveVariantError:
		m.Error.Reason, err = ReadString(buf)
		return err
	}
	return nil
}

func writeNodeMap(buf *bufio.Writer, m map[node.NodeId]node.NodeId) error {
	ids := make([]node.NodeId, 0, len(m))
	for k := range m {
		ids = append(ids, k)
	}
	ids = node.NewSet(ids...)
	if err := WriteUint32(buf, uint32(len(ids))); err != nil {
		return err
	}
	for _, k := range ids {
		if err := WriteNodeId(buf, k); err != nil {
			return err
		}
		if err := WriteNodeId(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readNodeMap(buf *bufio.Reader) (map[node.NodeId]node.NodeId, error) {
	count, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	m := make(map[node.NodeId]node.NodeId, count)
	for i := uint32(0); i < count; i++ {
		k, err := ReadNodeId(buf)
		if err != nil {
			return nil, err
		}
		v, err := ReadNodeId(buf)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func writeDocumentKeyShare(buf *bufio.Writer, s share.DocumentKeyShare) error {
	if err := WriteNodeId(buf, s.Author); err != nil {
		return err
	}
	if err := WriteUint32(buf, s.Threshold); err != nil {
		return err
	}
	if err := WriteScalarMap(buf, s.IdNumbers); err != nil {
		return err
	}
	if err := WriteScalarSlice(buf, s.Polynom1); err != nil {
		return err
	}
	return WriteScalar(buf, s.SecretShare)
}

func readDocumentKeyShare(buf *bufio.Reader) (share.DocumentKeyShare, error) {
	var s share.DocumentKeyShare
	var err error
	if s.Author, err = ReadNodeId(buf); err != nil {
		return s, err
	}
	if s.Threshold, err = ReadUint32(buf); err != nil {
		return s, err
	}
	if s.IdNumbers, err = ReadScalarMap(buf); err != nil {
		return s, err
	}
	if s.Polynom1, err = ReadScalarSlice(buf); err != nil {
		return s, err
	}
	if s.SecretShare, err = ReadScalar(buf); err != nil {
		return s, err
	}
	return s, nil
}
