package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

var errBadHashFormat = errors.New("invalid password hash format")

// HashPassword возвращает "salt$hash" в hex, параметры argon2id фиксированы
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "failed to generate salt")
	}
	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(hash), nil
}

func CheckPassword(stored, password string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 2 {
		return false, errBadHashFormat
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false, errBadHashFormat
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, errBadHashFormat
	}
	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, want) == 1, nil
}
