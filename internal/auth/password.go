package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor used for stored secrets and passwords.
const PasswordCost = bcrypt.DefaultCost

// dummyHash is compared against when the account does not exist so that
// unknown and known identifiers take comparable time to reject.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("pizza-oauth-dummy"), PasswordCost)

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether pw matches the bcrypt hash.
// An empty hash still performs a full comparison and returns false.
func CheckPassword(hash, pw string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pw))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
