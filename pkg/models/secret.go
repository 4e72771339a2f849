package models

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

const redacted = "**********"

// SecretString holds a credential in a buffer that can be wiped once the value
// is no longer needed. It formats as a fixed redaction string so secrets never
// end up in logs or error messages, but serializes transparently as a plain
// string on the wire.
type SecretString struct {
	b []byte
}

func NewSecret(s string) SecretString {
	return SecretString{b: []byte(s)}
}

func SecretFromBytes(b []byte) SecretString {
	buf := make([]byte, len(b))
	copy(buf, b)

	return SecretString{b: buf}
}

// Reveal returns the secret value. Callers should keep the returned string as
// short-lived as possible.
func (s SecretString) Reveal() string {
	return string(s.b)
}

// RevealBytes returns the backing buffer without copying. The buffer is
// invalid after Zero.
func (s SecretString) RevealBytes() []byte {
	return s.b
}

// Zero overwrites the backing buffer. The value is empty afterwards.
func (s *SecretString) Zero() {
	for i := range s.b {
		s.b[i] = 0
	}

	s.b = s.b[:0]
}

func (s SecretString) IsEmpty() bool {
	return len(s.b) == 0
}

// Equal compares two secrets in constant time.
func (s SecretString) Equal(other SecretString) bool {
	return subtle.ConstantTimeCompare(s.b, other.b) == 1
}

func (SecretString) String() string   { return redacted }
func (SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s.b))
}

func (s *SecretString) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.b = []byte(raw)

	return nil
}

func (s SecretString) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(string(s.b))
}

func (s *SecretString) UnmarshalCBOR(data []byte) error {
	var raw string
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.b = []byte(raw)

	return nil
}
