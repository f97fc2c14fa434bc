package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const ResetTokenExpiry = time.Hour

// GenerateSecureToken returns 32 random bytes, hex encoded.
func GenerateSecureToken() (string, error) {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", err
	}
	return hex.EncodeToString(token), nil
}

// HashResetToken is the form a reset token is stored and looked up in.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ResetPasswordURL builds the link mailed to a user who asked for a reset.
func ResetPasswordURL(appURL, token string) string {
	return appURL + "/reset-password/" + token
}
