package password

import (
	"encoding/json"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret holds a plaintext password for the shortest possible time. It
// decodes from a JSON string, but never encodes, prints or logs its contents.
// Callers defer Wipe right after decoding.
type Secret []byte

// UnmarshalJSON copies the JSON string value into the secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}

// MarshalJSON always emits the redaction marker.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s Secret) String() string {
	return redacted
}

// GoString keeps %#v from dumping the bytes.
func (s Secret) GoString() string {
	return redacted
}

// MarshalLogObject lets zap.Object log a Secret without its value.
func (s Secret) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("value", redacted)
	enc.AddInt("length", len(s))
	return nil
}

// Len returns the number of bytes in the secret.
func (s Secret) Len() int {
	return len(s)
}

// Bytes exposes the plaintext. The slice aliases the secret and is zeroed by Wipe.
func (s Secret) Bytes() []byte {
	return s
}

// Wipe zeroes the plaintext in place.
func (s Secret) Wipe() {
	wipe(s)
}
