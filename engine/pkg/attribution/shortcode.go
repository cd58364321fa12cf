package attribution

import (
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

const (
	DefaultShortCodeBytes = 6
	minShortCodeLength    = 4
	maxShortCodeLength    = 32

	// base58 never encodes n bytes in fewer than n characters, so codes drawn
	// from at least this many bytes always pass ValidateShortCode.
	minShortCodeBytes = minShortCodeLength
	maxShortCodeBytes = 16
)

func newShortCode(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base58.Encode(b), nil
}

// ValidateShortCode rejects anything that could not have been generated by a
// tracker.
func ValidateShortCode(code string) error {
	if len(code) < minShortCodeLength || len(code) > maxShortCodeLength {
		return fmt.Errorf("%w: length %d", ErrInvalidShortCode, len(code))
	}
	if _, err := base58.Decode(code); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidShortCode, code)
	}
	return nil
}

