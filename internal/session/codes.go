package session

import (
	"crypto/rand"
	"math/big"

	"github.com/quizarena/live/pkg/http/validate"
)

// CodeLength is the number of characters in a session code.
const CodeLength = 6

var alphabetSize = big.NewInt(int64(len(validate.SessionCodeAlphabet)))

// NewCode returns a random session code. Uniqueness is enforced by the
// caller's set-if-absent write, not here.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = validate.SessionCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
