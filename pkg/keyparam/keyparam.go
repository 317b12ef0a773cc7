// Package keyparam implements the ordered tag/value parameter sets that
// cross the keystore boundary. A Set preserves insertion order and tag
// multiplicity exactly: duplicate tags are legal (a key may carry several
// purposes) and must never be coalesced when a set is copied or sent over
// the wire.
package keyparam

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Tag identifies the meaning of a parameter value. The numeric vocabulary
// is fixed and shared with the service; values are forwarded verbatim.
type Tag uint32

const (
	// TagPurpose declares a purpose the key may be used for. May repeat.
	TagPurpose Tag = 1
	// TagAlgorithm selects the cryptographic algorithm. Exactly one.
	TagAlgorithm Tag = 2
	// TagKeySize is the key size in bits.
	TagKeySize Tag = 3
	// TagBlockMode selects a block cipher mode. May repeat.
	TagBlockMode Tag = 4
	// TagPadding selects a padding mode. May repeat.
	TagPadding Tag = 5
	// TagDigest selects a digest algorithm. May repeat.
	TagDigest Tag = 6
	// TagMACLength is the MAC output length in bits.
	TagMACLength Tag = 7
	// TagNonce carries an IV or nonce as raw bytes.
	TagNonce Tag = 100
	// TagCreationDate is the key creation time, seconds since the epoch.
	TagCreationDate Tag = 200
	// TagOrigin records how the key material came to exist.
	TagOrigin Tag = 201
)

// Algorithm values carried under TagAlgorithm.
const (
	AlgorithmEC       uint32 = 3
	AlgorithmED25519  uint32 = 4
	AlgorithmAES      uint32 = 32
	AlgorithmChaCha20 uint32 = 33
	AlgorithmHMAC     uint32 = 128
)

// Origin values carried under TagOrigin.
const (
	OriginGenerated uint32 = 0
	OriginImported  uint32 = 1
)

// Param is a single tag/value pair. Value is opaque binary data; numeric
// values are encoded big-endian with Uint32 / FromUint32.
type Param struct {
	Tag   Tag
	Value []byte
}

// Uint32 decodes a 4-byte big-endian value. Returns false when the value
// has a different length.
func (p Param) Uint32() (uint32, bool) {
	if len(p.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Value), true
}

// FromUint32 encodes v as a 4-byte big-endian parameter value.
func FromUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// Set is an ordered collection of parameters. The zero value is an empty
// set ready for use. Sets are not safe for concurrent mutation.
type Set struct {
	params []Param
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{}
}

// Add appends a tag/value pair, copying the value bytes.
func (s *Set) Add(tag Tag, value []byte) *Set {
	v := make([]byte, len(value))
	copy(v, value)
	s.params = append(s.params, Param{Tag: tag, Value: v})
	return s
}

// AddUint32 appends a tag with a 4-byte big-endian numeric value.
func (s *Set) AddUint32(tag Tag, value uint32) *Set {
	s.params = append(s.params, Param{Tag: tag, Value: FromUint32(value)})
	return s
}

// Len returns the number of parameters, counting duplicates.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.params)
}

// At returns the parameter at position i in insertion order.
func (s *Set) At(i int) Param {
	return s.params[i]
}

// Params returns a copy of the parameter slice in order.
func (s *Set) Params() []Param {
	if s == nil {
		return nil
	}
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Contains reports whether any parameter carries the given tag.
func (s *Set) Contains(tag Tag) bool {
	if s == nil {
		return false
	}
	for _, p := range s.params {
		if p.Tag == tag {
			return true
		}
	}
	return false
}

// First returns the first parameter with the given tag.
func (s *Set) First(tag Tag) (Param, bool) {
	if s == nil {
		return Param{}, false
	}
	for _, p := range s.params {
		if p.Tag == tag {
			return p, true
		}
	}
	return Param{}, false
}

// FirstUint32 returns the first numeric value under the given tag.
func (s *Set) FirstUint32(tag Tag) (uint32, bool) {
	p, ok := s.First(tag)
	if !ok {
		return 0, false
	}
	return p.Uint32()
}

// All returns every value carried under the given tag, in order.
func (s *Set) All(tag Tag) [][]byte {
	if s == nil {
		return nil
	}
	var out [][]byte
	for _, p := range s.params {
		if p.Tag == tag {
			v := make([]byte, len(p.Value))
			copy(v, p.Value)
			out = append(out, v)
		}
	}
	return out
}

// Tags returns the distinct tags present in the set, in first-seen order.
func (s *Set) Tags() []Tag {
	if s == nil {
		return nil
	}
	seen := make(map[Tag]bool, len(s.params))
	var out []Tag
	for _, p := range s.params {
		if !seen[p.Tag] {
			seen[p.Tag] = true
			out = append(out, p.Tag)
		}
	}
	return out
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	out := &Set{params: make([]Param, len(s.params))}
	for i, p := range s.params {
		v := make([]byte, len(p.Value))
		copy(v, p.Value)
		out.params[i] = Param{Tag: p.Tag, Value: v}
	}
	return out
}

// Equal reports whether two sets carry the same parameters in the same
// order with byte-identical values.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.params {
		if s.params[i].Tag != other.params[i].Tag {
			return false
		}
		if !bytes.Equal(s.params[i].Value, other.params[i].Value) {
			return false
		}
	}
	return true
}

// wireParam is the JSON wire form of a single parameter.
type wireParam struct {
	Tag   uint32 `json:"t"`
	Value string `json:"v"`
}

// MarshalJSON encodes the set as an ordered array, preserving duplicate
// tags and exact value bytes.
func (s *Set) MarshalJSON() ([]byte, error) {
	wire := make([]wireParam, 0, s.Len())
	if s != nil {
		for _, p := range s.params {
			wire = append(wire, wireParam{
				Tag:   uint32(p.Tag),
				Value: base64.StdEncoding.EncodeToString(p.Value),
			})
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the ordered array wire form.
func (s *Set) UnmarshalJSON(data []byte) error {
	var wire []wireParam
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.params = make([]Param, 0, len(wire))
	for i, w := range wire {
		value, err := base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return fmt.Errorf("keyparam: param %d: %w", i, err)
		}
		s.params = append(s.params, Param{Tag: Tag(w.Tag), Value: value})
	}
	return nil
}
