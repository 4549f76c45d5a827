package ltu

import (
	"crypto/rand"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	"github.com/pkg/errors"
)

const saltAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// HashPassword returns the MD5-crypt ("$1$") hash the radio firmware expects.
func HashPassword(password string) (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	salt := make([]byte, len(raw))
	for i, b := range raw {
		salt[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	hash, err := crypt.MD5.New().Generate([]byte(password), append([]byte("$1$"), salt...))
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return hash, nil
}

// CheckPassword reports whether hash was generated from password.
func CheckPassword(hash, password string) bool {
	return crypt.MD5.New().Verify(hash, []byte(password)) == nil
}
