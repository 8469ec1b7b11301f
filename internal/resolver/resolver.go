// Package resolver normalizes raw phone input into a canonical provider
// identifier. Provider identifier formats vary by account and version,
// so resolution degrades through an ordered fallback instead of
// hard-failing on the first mismatch.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	minDigits = 9
	maxDigits = 15
)

var (
	// ErrInvalidNumber means the input has too few or too many digits to
	// be a phone number at all.
	ErrInvalidNumber = errors.New("resolver: invalid phone number")
	// ErrNotFound means no identifier form was accepted by the backend.
	ErrNotFound = errors.New("resolver: recipient not registered")
)

// DefaultPrefixes maps national digit counts to the country prefix to
// prepend: 9 digits is a Peruvian mobile, 10 a Mexican one.
func DefaultPrefixes() map[int]string {
	return map[int]string{9: "51", 10: "52"}
}

// Backend is the slice of the transport contract the resolver consumes.
type Backend interface {
	LookupIdentifier(ctx context.Context, number string) (string, bool, error)
	IsRegistered(ctx context.Context, identifier string) (bool, error)
}

type Resolver struct {
	prefixes map[int]string
	suffix   string
}

// New builds a resolver with a digit-count to country-prefix table and
// the provider's identifier suffix (e.g. "@s.whatsapp.net").
func New(prefixes map[int]string, suffix string) *Resolver {
	if prefixes == nil {
		prefixes = DefaultPrefixes()
	}
	return &Resolver{prefixes: prefixes, suffix: suffix}
}

// Normalize strips non-digits, validates length and prepends the country
// prefix inferred from the digit count. Already-prefixed numbers pass
// through unchanged, so normalization is idempotent.
func (r *Resolver) Normalize(raw string) (string, error) {
	digits := stripNonDigits(raw)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", fmt.Errorf("%w: %d digits", ErrInvalidNumber, len(digits))
	}
	if prefix, ok := r.prefixes[len(digits)]; ok {
		return prefix + digits, nil
	}
	return digits, nil
}

// Resolve maps raw phone input to a canonical identifier via the backend.
// Attempts, stopping at the first success:
//  1. canonical-identifier lookup for the prefixed number
//  2. registered-user check for the prefixed identifier form
//  3. registered-user check for the original digits in identifier form
//
// Individual attempt errors are tolerated; only exhausting every attempt
// yields ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, b Backend, raw string) (string, error) {
	prefixed, err := r.Normalize(raw)
	if err != nil {
		return "", err
	}

	if id, ok, err := b.LookupIdentifier(ctx, prefixed); err == nil && ok {
		return id, nil
	}

	jid := prefixed + r.suffix
	if ok, err := b.IsRegistered(ctx, jid); err == nil && ok {
		return jid, nil
	}

	if digits := stripNonDigits(raw); digits != prefixed {
		original := digits + r.suffix
		if ok, err := b.IsRegistered(ctx, original); err == nil && ok {
			return original, nil
		}
	}

	return "", ErrNotFound
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
