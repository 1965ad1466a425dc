package util

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	base62Chars  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLength     = 11
	maxIDRetries = 5
)

var ErrIDCollision = errors.New("id collision after 5 retries")

// NewID returns IDLength base62 characters. Bytes >= 248 are rejected so every
// character is equally likely.
func NewID() (string, error) {
	out := make([]byte, 0, IDLength)
	buf := make([]byte, IDLength*2)
	for len(out) < IDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			out = append(out, base62Chars[b%62])
			if len(out) == IDLength {
				break
			}
		}
	}
	return string(out), nil
}

func GenID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for retry := 0; retry < maxIDRetries; retry++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
