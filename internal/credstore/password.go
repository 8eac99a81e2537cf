package credstore

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash absorbs a bcrypt comparison when the username does not exist,
// so unknown-user and wrong-password take comparable time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authgate-dummy-password"), bcrypt.DefaultCost)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("credstore: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with the stored hash.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BurnComparison performs a throwaway hash comparison. Called on the
// unknown-user path to keep login timing independent of user existence.
func BurnComparison(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
