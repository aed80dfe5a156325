package session

import (
	"crypto/rand"
	"math/big"

	"github.com/cockroachdb/errors"
)

const (
	// CodeAlphabet is the character set session codes are drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// DefaultCodeLength is the length of a generated session code.
	DefaultCodeLength = 6
)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// NewCode returns a random session code of the given length drawn uniformly
// from CodeAlphabet using crypto/rand.
func NewCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "session: read random code")
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
