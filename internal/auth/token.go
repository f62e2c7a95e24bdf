package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// tokenBytes sizes the random payload behind every minted bearer token.
const tokenBytes = 32

// MintToken returns a fresh opaque bearer token suitable for backend connections.
func MintToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(fmt.Sprintf("auth: entropy source unavailable: %v", err))
	}
	//1.- URL-safe encoding keeps tokens header- and query-string friendly.
	return base64.RawURLEncoding.EncodeToString(buf)
}

// TokensEqual compares a presented token against the expected one in constant time.
func TokensEqual(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
