// Package ppoprf implements a puncturable, partially-oblivious pseudorandom
// function over the ristretto255 group.
//
// A Server holds one scalar key per metadata tag ("epoch"). Evaluation
// blinds the client's point by the tag's scalar; puncturing a tag discards
// its scalar forever, after which evaluation under that tag is impossible.
// Zero-knowledge proof production is not implemented (see ErrProofsDisabled):
// it is out of scope for the randsrv deployment this package serves.
package ppoprf

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"
)

// CompressedPointLen is the encoded length of a ristretto255 element.
const CompressedPointLen = 32

var (
	// ErrUnknownTag is returned when an evaluation or puncture is requested
	// for a tag the server was not constructed with.
	ErrUnknownTag = errors.New("ppoprf: unknown tag")
	// ErrPunctured is returned when an evaluation is requested for a tag
	// that has already been punctured.
	ErrPunctured = errors.New("ppoprf: tag has been punctured")
	// ErrAlreadyPunctured is returned by a second Puncture call for the
	// same tag: puncturing is a one-way, idempotent-to-fail operation.
	ErrAlreadyPunctured = errors.New("ppoprf: tag already punctured")
	// ErrBadPoint is returned when a caller-supplied point fails to decode.
	ErrBadPoint = errors.New("ppoprf: invalid point encoding")
	// ErrProofsDisabled is returned for any evaluation requesting a proof.
	ErrProofsDisabled = errors.New("ppoprf: zero-knowledge proofs are disabled")
	// ErrNoTags is returned by New when given an empty tag set.
	ErrNoTags = errors.New("ppoprf: at least one tag is required")
)

var g = group.Ristretto255

// Server holds one private scalar per configured tag, plus the set of
// tags that have been punctured. A punctured tag's scalar is dropped
// entirely rather than merely flagged, so it can never be recovered.
type Server struct {
	keys      map[uint8]group.Scalar
	punctured map[uint8]bool
	order     []uint8
}

// New constructs a server with an independently-sampled scalar key for
// each tag in tags. Order is preserved for deterministic iteration but
// carries no semantic weight.
func New(tags []uint8) (*Server, error) {
	if len(tags) == 0 {
		return nil, ErrNoTags
	}
	s := &Server{
		keys:      make(map[uint8]group.Scalar, len(tags)),
		punctured: make(map[uint8]bool, len(tags)),
		order:     append([]uint8(nil), tags...),
	}
	for _, tag := range tags {
		k := g.RandomNonZeroScalar(rand.Reader)
		s.keys[tag] = k
	}
	return s, nil
}

// Evaluate applies the scalar keyed by tag to point, returning the
// resulting group element. Evaluation never produces a proof; prove
// must always be false (see ErrProofsDisabled).
func (s *Server) Evaluate(point group.Element, tag uint8, prove bool) (group.Element, error) {
	if prove {
		return nil, ErrProofsDisabled
	}
	key, ok := s.keys[tag]
	if !ok {
		if s.punctured[tag] {
			return nil, ErrPunctured
		}
		return nil, ErrUnknownTag
	}
	out := g.NewElement()
	out.Mul(point, key)
	return out, nil
}

// DecodePoint decodes a compressed ristretto255 point, returning
// ErrBadPoint on any malformed input.
func DecodePoint(raw []byte) (group.Element, error) {
	if len(raw) != CompressedPointLen {
		return nil, ErrBadPoint
	}
	el := g.NewElement()
	if err := el.UnmarshalBinary(raw); err != nil {
		return nil, ErrBadPoint
	}
	return el, nil
}

// EncodePoint serializes a group element to its compressed form.
func EncodePoint(el group.Element) []byte {
	b, _ := el.MarshalBinary()
	return b
}

// Puncture irrevocably disables tag. A second call for the same tag
// fails: puncture is one-way and not idempotent-to-success.
func (s *Server) Puncture(tag uint8) error {
	if s.punctured[tag] {
		return ErrAlreadyPunctured
	}
	if _, ok := s.keys[tag]; !ok {
		return ErrUnknownTag
	}
	delete(s.keys, tag)
	s.punctured[tag] = true
	return nil
}

// PublicKey returns an opaque export of the commitment to this server's
// key material, suitable for clients to verify outputs against (once
// proofs are implemented) and safe to publish.
func (s *Server) PublicKey() []byte {
	// Commit to the set of live tags and their keyed base points so the
	// encoding changes whenever the key material does.
	out := make([]byte, 0, len(s.order)*(1+CompressedPointLen))
	base := g.Generator()
	for _, tag := range s.order {
		out = append(out, tag)
		if key, ok := s.keys[tag]; ok {
			committed := g.NewElement().Mul(base, key)
			b, _ := committed.MarshalBinary()
			out = append(out, b...)
		} else {
			out = append(out, make([]byte, CompressedPointLen)...)
		}
	}
	return out
}

// keyState is the wire format for one tag's scalar, used by
// ExportPrivateKey/ImportPrivateKey.
type keyState struct {
	Tag  uint8
	Key  []byte
	Dead bool
}

// ExportPrivateKey serializes all live and punctured tag state so it can
// be reconstructed by ImportPrivateKey elsewhere. Punctured tags are
// recorded (as dead, with no key bytes) so the import side keeps them
// punctured without re-deriving which tags were.
func (s *Server) ExportPrivateKey() []byte {
	states := make([]keyState, 0, len(s.order))
	for _, tag := range s.order {
		if key, ok := s.keys[tag]; ok {
			b, _ := key.MarshalBinary()
			states = append(states, keyState{Tag: tag, Key: b})
			continue
		}
		states = append(states, keyState{Tag: tag, Dead: true})
	}
	return encodeKeyStates(states)
}

// ImportPrivateKey reconstructs a Server from bytes produced by
// ExportPrivateKey. tags must equal the tag range the exporting server
// was constructed with; mismatches are a caller error.
func ImportPrivateKey(data []byte, tags []uint8) (*Server, error) {
	states, err := decodeKeyStates(data)
	if err != nil {
		return nil, fmt.Errorf("ppoprf: decode private key: %w", err)
	}
	s := &Server{
		keys:      make(map[uint8]group.Scalar, len(states)),
		punctured: make(map[uint8]bool, len(states)),
		order:     append([]uint8(nil), tags...),
	}
	for _, st := range states {
		if st.Dead {
			s.punctured[st.Tag] = true
			continue
		}
		k := g.NewScalar()
		if err := k.UnmarshalBinary(st.Key); err != nil {
			return nil, fmt.Errorf("ppoprf: malformed key for tag %d: %w", st.Tag, err)
		}
		s.keys[st.Tag] = k
	}
	return s, nil
}
