package record

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxNumberAttempts bounds the collision-retry loop so a theoretical
// collision storm becomes an observable failure instead of an infinite loop.
const maxNumberAttempts = 10

const numberPrefix = "RX"

// ExistsFunc reports whether a number is already taken by a non-deleted record.
type ExistsFunc func(ctx context.Context, number string) (bool, error)

// NumberGenerator produces globally unique, human-readable record numbers.
// The application-level uniqueness pre-check is only an optimization: the
// store's partial unique index on (number) WHERE NOT deleted is the
// authoritative guard, and Create retries through the same generator when
// the index rejects an insert.
type NumberGenerator struct {
	exists ExistsFunc
	now    func() time.Time
}

// NewNumberGenerator creates a generator backed by the given uniqueness check.
func NewNumberGenerator(exists ExistsFunc) *NumberGenerator {
	return &NumberGenerator{exists: exists, now: time.Now}
}

// Next returns a fresh unique number, failing with ID_GENERATION_EXHAUSTED
// after the bounded number of attempts.
func (g *NumberGenerator) Next(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number, err := g.candidate()
		if err != nil {
			return "", ErrInternal(err)
		}
		taken, err := g.exists(ctx, number)
		if err != nil {
			return "", err
		}
		if !taken {
			return number, nil
		}
	}
	return "", ErrGenerationExhausted(maxNumberAttempts)
}

// candidate combines a base-36 timestamp with a short random base-36 suffix.
// Timestamp entropy plus randomness makes collisions rare.
func (g *NumberGenerator) candidate() (string, error) {
	ts := strconv.FormatInt(g.now().UTC().UnixMilli(), 36)
	suffix, err := randomBase36(4)
	if err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return strings.ToUpper(fmt.Sprintf("%s-%s%s", numberPrefix, ts, suffix)), nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out), nil
}
