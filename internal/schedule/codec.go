package schedule

import (
	"encoding/json"
	"fmt"
)

// DecodeError marks a schedule blob that could not be decoded.
// Callers degrade it to "no active schedule" instead of failing the read.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode schedule blob: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a rule into the durable blob form.
// The rule is validated first so a blob in the store always round-trips.
func Encode(r Rule) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return json.Marshal(r)
}

// Decode parses a blob produced by Encode.
//
// An empty/absent blob means "no schedule" and yields (nil, nil).
// A corrupt blob yields (nil, *DecodeError); it never carries a partial Rule.
func Decode(blob []byte) (*Rule, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var r Rule
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := r.Validate(); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &r, nil
}
