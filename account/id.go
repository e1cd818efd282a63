package account

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// IDLength is the number of characters in a generated user id.
	IDLength = 10

	idAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxIDAttempts = 16
)

// ExistsFunc reports whether a user id is already taken.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// GenerateID draws random ids until exists reports one as unused.
func GenerateID(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := randomID()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check id: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// ValidID reports whether id has the shape of a generated user id.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

func randomID() (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	b := make([]byte, IDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random id: %w", err)
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b), nil
}
