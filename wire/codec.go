// Package wire defines every message exchanged between cluster nodes during
// a servers-set-change and its sub-sessions, together with the binary codec
// used to put them on the wire. The codec follows the length-prefixed field
// idiom the teacher's serializer package used (WriteFieldBytes/ReadFieldBytes
// over bufio + encoding/binary), generalized here to cover NodeIds, sets of
// NodeIds, and secp256k1 scalars via their surge Marshal/Unmarshal methods.
// There are no helpers for secp256k1 points.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/renproject/secp256k1"

	"github.com/vbaranov/parity/node"
)

// WriteBytes writes the length-prefixed field b to buf.
func WriteBytes(buf *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(buf, binary.LittleEndian, size); err != nil {
		return err
	}
	n, err := buf.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("wire: short write: expected %d bytes, wrote %d", size, n)
	}
	return nil
}

// ReadBytes reads a length-prefixed field written by WriteBytes.
func ReadBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := readFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(buf *bufio.Reader, b []byte) (int, error) {
	read := 0
	for read < len(b) {
		n, err := buf.Read(b[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// WriteUint64 writes v in little-endian form.
func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint64 reads a value written by WriteUint64.
func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

// WriteUint32 writes v in little-endian form.
func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint32 reads a value written by WriteUint32.
func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

// WriteString writes a length-prefixed UTF-8 string.
func WriteString(buf *bufio.Writer, s string) error {
	return WriteBytes(buf, []byte(s))
}

// ReadString reads a string written by WriteString.
func ReadString(buf *bufio.Reader) (string, error) {
	b, err := ReadBytes(buf)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteNodeId writes a fixed-size NodeId.
func WriteNodeId(buf *bufio.Writer, id node.NodeId) error {
	n, err := buf.Write(id[:])
	if err != nil {
		return err
	}
	if n != len(id) {
		return fmt.Errorf("wire: short NodeId write: wrote %d of %d bytes", n, len(id))
	}
	return nil
}

// ReadNodeId reads a NodeId written by WriteNodeId.
func ReadNodeId(buf *bufio.Reader) (node.NodeId, error) {
	var id node.NodeId
	if _, err := readFull(buf, id[:]); err != nil {
		return node.NodeId{}, err
	}
	return id, nil
}

// WriteSessionId writes a fixed-size SessionId.
func WriteSessionId(buf *bufio.Writer, id node.SessionId) error {
	_, err := buf.Write(id[:])
	return err
}

// ReadSessionId reads a SessionId written by WriteSessionId.
func ReadSessionId(buf *bufio.Reader) (node.SessionId, error) {
	var id node.SessionId
	_, err := readFull(buf, id[:])
	return id, err
}

// WriteKeyId writes a fixed-size KeyId.
func WriteKeyId(buf *bufio.Writer, id node.KeyId) error {
	_, err := buf.Write(id[:])
	return err
}

// ReadKeyId reads a KeyId written by WriteKeyId.
func ReadKeyId(buf *bufio.Reader) (node.KeyId, error) {
	var id node.KeyId
	_, err := readFull(buf, id[:])
	return id, err
}

// WriteNodeSet writes an ordered set of NodeIds.
func WriteNodeSet(buf *bufio.Writer, set node.Set) error {
	if err := WriteUint32(buf, uint32(len(set))); err != nil {
		return err
	}
	for _, id := range set {
		if err := WriteNodeId(buf, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadNodeSet reads a node.Set written by WriteNodeSet.
func ReadNodeSet(buf *bufio.Reader) (node.Set, error) {
	count, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	ids := make([]node.NodeId, count)
	for i := range ids {
		id, err := ReadNodeId(buf)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return node.NewSet(ids...), nil
}

// WriteScalar writes a secp256k1 scalar using its surge Marshal method.
func WriteScalar(buf *bufio.Writer, s secp256k1.Fn) error {
	size := s.SizeHint()
	b := make([]byte, size)
	_, remLen, err := s.Marshal(b, size)
	if err != nil {
		return err
	}
	return WriteBytes(buf, b[:size-remLen])
}

// ReadScalar reads a scalar written by WriteScalar.
func ReadScalar(buf *bufio.Reader) (secp256k1.Fn, error) {
	b, err := ReadBytes(buf)
	if err != nil {
		return secp256k1.Fn{}, err
	}
	var s secp256k1.Fn
	if _, _, err := s.Unmarshal(b, len(b)); err != nil {
		return secp256k1.Fn{}, err
	}
	return s, nil
}

// WriteScalarMap writes a map[node.NodeId]secp256k1.Fn, sorted by NodeId so
// the wire encoding is deterministic.
func WriteScalarMap(buf *bufio.Writer, m map[node.NodeId]secp256k1.Fn) error {
	ids := make([]node.NodeId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	ids = node.NewSet(ids...)
	if err := WriteUint32(buf, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := WriteNodeId(buf, id); err != nil {
			return err
		}
		if err := WriteScalar(buf, m[id]); err != nil {
			return err
		}
	}
	return nil
}

// ReadScalarMap reads a map written by WriteScalarMap.
func ReadScalarMap(buf *bufio.Reader) (map[node.NodeId]secp256k1.Fn, error) {
	count, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	m := make(map[node.NodeId]secp256k1.Fn, count)
	for i := uint32(0); i < count; i++ {
		id, err := ReadNodeId(buf)
		if err != nil {
			return nil, err
		}
		s, err := ReadScalar(buf)
		if err != nil {
			return nil, err
		}
		m[id] = s
	}
	return m, nil
}

// WriteScalarSlice writes an ordered slice of scalars (e.g. Polynom1).
func WriteScalarSlice(buf *bufio.Writer, s []secp256k1.Fn) error {
	if err := WriteUint32(buf, uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := WriteScalar(buf, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadScalarSlice reads a slice written by WriteScalarSlice.
func ReadScalarSlice(buf *bufio.Reader) ([]secp256k1.Fn, error) {
	count, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	out := make([]secp256k1.Fn, count)
	for i := range out {
		v, err := ReadScalar(buf)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteBool writes a single-byte boolean.
func WriteBool(buf *bufio.Writer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return buf.WriteByte(b)
}

// ReadBool reads a boolean written by WriteBool.
func ReadBool(buf *bufio.Reader) (bool, error) {
	b, err := buf.ReadByte()
	return b != 0, err
}
