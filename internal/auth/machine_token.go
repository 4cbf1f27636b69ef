package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "rio_"

// GenerateMachineToken creates a new machine token and its hash.
// Format: rio_<uuid>_<random_secret>
func GenerateMachineToken() (token, hash string, err error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	token = fmt.Sprintf("%s%s_%s", machineTokenPrefix, id.String(), secret)
	return token, HashToken(token), nil
}

// HashToken hashes a machine token for the config file
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if token has correct format
func ValidateTokenFormat(token string) bool {
	if len(token) != len(machineTokenPrefix)+36+1+64 {
		return false
	}
	if !strings.HasPrefix(token, machineTokenPrefix) {
		return false
	}
	_, err := uuid.Parse(token[len(machineTokenPrefix) : len(machineTokenPrefix)+36])
	return err == nil
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
