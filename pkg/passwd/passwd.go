// Package passwd hashes and checks operator console passwords. New hashes
// are bcrypt; 13-character DES crypt(3) hashes carried over from older
// staff tables still verify.
package passwd

import (
	"crypto/subtle"
	"fmt"
	"strings"

	descrypt "github.com/digitive/crypt"
	"golang.org/x/crypto/bcrypt"
)

// Hash returns a bcrypt hash of password.
func Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("passwd: empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("passwd: %w", err)
	}
	return string(h), nil
}

// IsLegacy reports whether stored is a DES crypt hash.
func IsLegacy(stored string) bool {
	return len(stored) == 13 && !strings.HasPrefix(stored, "$")
}

// Check verifies password against a bcrypt or DES crypt hash.
func Check(password, stored string) bool {
	if password == "" || stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	if !IsLegacy(stored) {
		return false
	}
	computed, err := descrypt.Crypt(password, stored[:2])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}
