package handlers

import (
	"crypto/rand"
	"fmt"

	"github.com/thomastaylor312/snas/pkg/models"
)

const (
	tokenLength  = 32
	tokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// generateToken produces an alphanumeric token from the OS CSPRNG. Bytes of
// 248 and above are rejected so the modulo over the 62-character alphabet
// stays unbiased.
func generateToken(length int) (models.SecretString, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return models.SecretString{}, fmt.Errorf("failed to read random bytes: %w", err)
		}

		for _, b := range buf {
			if b >= byte(len(tokenCharset))*4 {
				continue
			}

			out = append(out, tokenCharset[int(b)%len(tokenCharset)])

			if len(out) == length {
				break
			}
		}
	}

	token := models.SecretFromBytes(out)

	for i := range out {
		out[i] = 0
	}

	return token, nil
}
