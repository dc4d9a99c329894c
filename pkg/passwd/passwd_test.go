package passwd

import (
	"testing"

	descrypt "github.com/digitive/crypt"
)

func TestBcryptRoundTrip(t *testing.T) {
	h, err := Hash("harvest-moon")
	if err != nil {
		t.Fatal(err)
	}
	if IsLegacy(h) {
		t.Error("bcrypt hash reported as legacy")
	}
	if !Check("harvest-moon", h) {
		t.Error("correct password rejected")
	}
	if Check("harvest-sun", h) {
		t.Error("wrong password accepted")
	}
	if _, err := Hash(""); err == nil {
		t.Error("empty password hashed")
	}
}

func TestLegacyCrypt(t *testing.T) {
	salts := []string{"XX", "ab", "Ax", "..", "//"}
	for _, salt := range salts {
		h, err := descrypt.Crypt("mushpassword", salt)
		if err != nil {
			t.Fatal(err)
		}
		if !IsLegacy(h) {
			t.Errorf("salt %q: %q not legacy", salt, h)
		}
		if !Check("mushpassword", h) {
			t.Errorf("salt %q: correct password rejected", salt)
		}
		if Check("wrong", h) {
			t.Errorf("salt %q: wrong password accepted", salt)
		}
	}
}

func TestCheckRejectsJunk(t *testing.T) {
	tests := []struct {
		password, stored string
	}{
		{"", "XXabcdefghijk"},
		{"pw", ""},
		{"pw", "plaintext"},
		{"pw", "$1$saltsalt$abcdefghijklmnopqrstuv"},
	}
	for _, tt := range tests {
		if Check(tt.password, tt.stored) {
			t.Errorf("Check(%q, %q) = true", tt.password, tt.stored)
		}
	}
}
