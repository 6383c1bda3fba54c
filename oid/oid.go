// Package oid implements the 160-bit identifiers shared by DHT nodes and keys.
// Node IDs and content keys live in the same space and are ordered by XOR distance.
package oid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"math/bits"

	log "github.com/sirupsen/logrus"
)

// Size is the length of an Oid in bytes.
const Size = sha1.Size

// Bits is the length of an Oid in bits.
const Bits = Size * 8

var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidLength = errors.New("OID must be 20 bytes")

// Raw bytes are encoded by unpadded Base32, 20 bytes map to exactly 32 characters
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Oid is a NodeID or a Key. The zero value is a valid (all-zero) identifier.
// Oid implements the Binary and Text marshaler interfaces so it is encoded as a CBOR byte string
// on the wire and as a string in TOML and JSON.
type Oid [Size]byte

func (o Oid) String() string {
	return encoding.EncodeToString(o[:])
}

// Short returns an abbreviated form for log lines.
func (o Oid) Short() string {
	return o.String()[:8]
}

func (o Oid) IsZero() bool {
	return o == Oid{}
}

func (o Oid) MarshalBinary() ([]byte, error) {
	return o[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return ErrorInvalidOidLength
	}
	copy(o[:], data)
	return nil
}

func (o Oid) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Oid) UnmarshalText(data []byte) error {
	p, err := FromString(string(data))
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func FromString(s string) (Oid, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return Oid{}, ErrorInvalidOidString
	}
	return FromBytes(b)
}

func FromStringMustParse(s string) Oid {
	o, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse OID: %v", err)
	}
	return o
}

func FromBytes(b []byte) (Oid, error) {
	var o Oid
	if err := o.UnmarshalBinary(b); err != nil {
		return Oid{}, err
	}
	return o, nil
}

// Hash derives an identifier from arbitrary data. Every peer must derive the same key for the same input.
func Hash(data []byte) Oid {
	return Oid(sha1.Sum(data))
}

func Random() (Oid, error) {
	var o Oid
	if _, err := rand.Read(o[:]); err != nil {
		return Oid{}, err
	}
	return o, nil
}

// Xor returns the distance between a and b.
func Xor(a, b Oid) Oid {
	var d Oid
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func (o Oid) Compare(other Oid) int {
	return bytes.Compare(o[:], other[:])
}

func (o Oid) Less(other Oid) bool {
	return o.Compare(other) < 0
}

// Bit returns the i-th bit, most significant first.
func (o Oid) Bit(i int) int {
	return int(o[i/8]>>(7-uint(i%8))) & 1
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b Oid) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b Oid) bool {
	return Xor(a, target).Less(Xor(b, target))
}

// WithPrefix returns an identifier that shares the first n bits with prefix and takes the remaining bits from rest.
func WithPrefix(prefix Oid, n int, rest Oid) Oid {
	var o Oid
	for i := 0; i < Size; i++ {
		var mask byte
		switch {
		case (i+1)*8 <= n:
			mask = 0xFF
		case i*8 >= n:
			mask = 0x00
		default:
			mask = byte(0xFF << (8 - uint(n-i*8)))
		}
		o[i] = prefix[i]&mask | rest[i]&^mask
	}
	return o
}

// FlipBit returns a copy of o with the i-th bit inverted.
func (o Oid) FlipBit(i int) Oid {
	o[i/8] ^= 1 << (7 - uint(i%8))
	return o
}
