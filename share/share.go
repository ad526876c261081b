// Package share holds the cryptographic payload moved between nodes during
// a share change: the per-node polynomial commitments of a Shamir-shared
// secret, and the signature scheme used by administrators to authorize a
// servers-set-change. Signature verification and the joint-secret
// reconstruction used by tests are genuinely external-collaborator concerns
// (the session logic only ever calls Sign/Verify/ComputeJointSecret; it
// never inspects a Scalar's internal representation).
package share

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/renproject/secp256k1"
	"github.com/renproject/shamir"

	"github.com/vbaranov/parity/node"
)

// Scalar is a field element over the secp256k1 scalar field. id_numbers,
// polynomial coefficients, and secret shares are all Scalars.
type Scalar = secp256k1.Fn

// Signature is a 65-byte recoverable ECDSA signature (r, s, v), matching
// go-ethereum's crypto.Sign output and the original implementation's
// Ethereum-style admin signatures over an ordered-nodes hash.
type Signature [65]byte

// DocumentKeyShare is one node's share of one document's threshold-shared
// secret. It is never transmitted as a whole except during a share move,
// where the content is delivered to exactly the set of new holders.
type DocumentKeyShare struct {
	Author         node.NodeId
	Threshold      uint32
	IdNumbers      map[node.NodeId]Scalar
	Polynom1       []Scalar
	SecretShare    Scalar
	CommonPoint    *secp256k1.Point
	EncryptedPoint *secp256k1.Point
}

// Clone returns a deep copy of s; sessions must never hand out a live
// reference to keystorage-resident data to message-handling code that might
// mutate it on another goroutine.
func (s DocumentKeyShare) Clone() DocumentKeyShare {
	out := s
	out.IdNumbers = make(map[node.NodeId]Scalar, len(s.IdNumbers))
	for k, v := range s.IdNumbers {
		out.IdNumbers[k] = v
	}
	out.Polynom1 = append([]Scalar(nil), s.Polynom1...)
	if s.CommonPoint != nil {
		cp := *s.CommonPoint
		out.CommonPoint = &cp
	}
	if s.EncryptedPoint != nil {
		ep := *s.EncryptedPoint
		out.EncryptedPoint = &ep
	}
	return out
}

// Sign produces an admin signature over digest using priv. Digest is always
// a node.OrderedHash in practice, but Sign itself is agnostic to that.
func Sign(priv *ecdsa.PrivateKey, digest [32]byte) (Signature, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return Signature{}, fmt.Errorf("share: sign: %w", err)
	}
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// Verify checks that sig is a valid signature over digest by the holder of
// pub (the public key bytes as produced by crypto.FromECDSAPub / Marshal).
func Verify(pub []byte, digest [32]byte, sig Signature) bool {
	if len(sig) != 65 {
		return false
	}
	// crypto.VerifySignature expects the 64-byte (r||s) form, without the
	// trailing recovery id that crypto.SigToPub needs.
	return crypto.VerifySignature(pub, digest[:], sig[:64])
}

// RecoverNodeId recovers the public key that produced sig over digest and
// reports it in the compressed NodeId encoding used throughout this module.
func RecoverNodeId(digest [32]byte, sig Signature) (node.NodeId, error) {
	pub, err := crypto.SigToPub(digest[:], sig[:])
	if err != nil {
		return node.NodeId{}, fmt.Errorf("share: recover signer: %w", err)
	}
	compressed := crypto.CompressPubkey(pub)
	var id node.NodeId
	if len(compressed) != len(id) {
		return node.NodeId{}, errors.New("share: unexpected compressed pubkey length")
	}
	copy(id[:], compressed)
	return id, nil
}

// ComputeJointSecret reconstructs the original secret from t+1 or more
// verifiable shares. This is never called by session logic in production —
// only by tests asserting that a share-move/add/remove round trip preserved
// the secret, per the external-collaborator boundary around Shamir math.
func ComputeJointSecret(shares shamir.Shares) (Scalar, error) {
	if len(shares) == 0 {
		return Scalar{}, errors.New("share: no shares to reconstruct from")
	}
	return shamir.Open(shares), nil
}
