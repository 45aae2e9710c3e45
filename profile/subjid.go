package profile

import (
	"errors"
	"math/rand/v2"
	"strings"
)

const (
	// DefaultSubjectIDLength is the length of generated subject ids.
	DefaultSubjectIDLength = 6

	// DefaultSubjectIDSymbols is the alphabet subject ids are drawn from.
	DefaultSubjectIDSymbols = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	maxSubjectIDAttempts = 10000
)

// ErrSubjectIDSpace is returned when no unused subject id can be found.
var ErrSubjectIDSpace = errors.New("profile: subject id space exhausted")

// subjectIDs draws random ids of a fixed length from an alphabet.
type subjectIDs struct {
	length  int
	symbols []rune
}

func newSubjectIDs(length int, symbols string) subjectIDs {
	if length <= 0 {
		length = DefaultSubjectIDLength
	}
	if symbols == "" {
		symbols = DefaultSubjectIDSymbols
	}
	return subjectIDs{length: length, symbols: []rune(symbols)}
}

// next returns an id not present in taken, retrying on collision.
func (g subjectIDs) next(rng *rand.Rand, taken map[string]struct{}) (string, error) {
	var b strings.Builder
	for range maxSubjectIDAttempts {
		b.Reset()
		for range g.length {
			b.WriteRune(g.symbols[rng.IntN(len(g.symbols))])
		}
		id := b.String()
		if _, dup := taken[id]; !dup {
			return id, nil
		}
	}
	return "", ErrSubjectIDSpace
}
