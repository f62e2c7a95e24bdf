package names

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxNameLength bounds every entity name including its kind prefix.
const MaxNameLength = 30

const randomSuffixLength = 10

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	// ErrInvalidPrefix indicates the name does not begin with the expected kind prefix.
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrInvalidCharacter indicates the name contains a character outside [a-zA-Z0-9-].
	ErrInvalidCharacter = errors.New("invalid character")
	// ErrTooLong indicates the name exceeds MaxNameLength.
	ErrTooLong = errors.New("name too long")
)

// Kind identifies the entity class a name belongs to.
type Kind string

const (
	KindBackend       Kind = "ba"
	KindDrone         Kind = "dr"
	KindProxy         Kind = "pr"
	KindController    Kind = "co"
	KindAcmeDNSServer Kind = "ns"
	KindBackendAction Kind = "ak"
)

// Prefix returns the literal prefix, including the trailing dash, for the kind.
func (k Kind) Prefix() string {
	return string(k) + "-"
}

// Validate checks the candidate name against the kind prefix, charset, and length rules.
func Validate(kind Kind, name string) error {
	//1.- Reject names missing the kind prefix before any further inspection.
	if !strings.HasPrefix(name, kind.Prefix()) {
		return fmt.Errorf("%w: %q, expected %s", ErrInvalidPrefix, name, kind.Prefix())
	}
	//2.- Enforce the total length cap including the prefix.
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w (%d characters; max is %d including prefix)", ErrTooLong, len(name), MaxNameLength)
	}
	//3.- Walk the name and flag the first character outside the allowed set.
	for i, c := range name {
		if !isNameRune(c) {
			return fmt.Errorf("%w: %q at position %d", ErrInvalidCharacter, c, i)
		}
	}
	return nil
}

func isNameRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-':
		return true
	}
	return false
}

// NewRandom mints a fresh name with the kind prefix and a random alphanumeric suffix.
func NewRandom(kind Kind) string {
	suffix := make([]byte, randomSuffixLength)
	for i := range suffix {
		//1.- Draw each suffix character from the lowercase alphanumeric alphabet.
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(suffixAlphabet))))
		if err != nil {
			// crypto/rand only fails when the platform entropy source is broken.
			panic(fmt.Sprintf("names: entropy source unavailable: %v", err))
		}
		suffix[i] = suffixAlphabet[idx.Int64()]
	}
	return kind.Prefix() + string(suffix)
}

// NodeKind classifies node names (drones, proxies, ACME DNS servers) by prefix.
type NodeKind string

const (
	NodeDrone         NodeKind = "drone"
	NodeProxy         NodeKind = "proxy"
	NodeAcmeDNSServer NodeKind = "acme-dns-server"
)

// NodeKindOf resolves the node kind from a name's prefix, or an error for unknown prefixes.
func NodeKindOf(name string) (NodeKind, error) {
	switch {
	case strings.HasPrefix(name, KindDrone.Prefix()):
		return NodeDrone, nil
	case strings.HasPrefix(name, KindProxy.Prefix()):
		return NodeProxy, nil
	case strings.HasPrefix(name, KindAcmeDNSServer.Prefix()):
		return NodeAcmeDNSServer, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, name)
}
