// Package jobid mints and validates the short, human-readable job
// identifiers used as the idempotency key throughout the system: two words
// drawn from fixed biology/astronomy dictionaries plus a 6-hex CSPRNG
// suffix, e.g. "nebula-otter-4f9c12".
package jobid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
)

var validPattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9a-f]{6}$`)

// Valid reports whether s is a well-formed job id: matches
// ^[a-z]+-[a-z]+-[0-9a-f]{6}$ and is no longer than 40 characters. Used by
// the Pull Consumer (classifying poison messages) and tests; New does not
// call it.
func Valid(s string) bool {
	return len(s) <= 40 && validPattern.MatchString(s)
}

// New mints a new job id using a cryptographic RNG. Collision probability is
// dominated by the 24 random suffix bits; the two dictionary words are
// chosen only for memorability, never as a uniqueness source.
func New() (string, error) {
	adjIdx, err := randIndex(len(adjectives))
	if err != nil {
		return "", err
	}
	nounIdx, err := randIndex(len(nouns))
	if err != nil {
		return "", err
	}
	altIdx, err := randIndex(len(nouns))
	if err != nil {
		return "", err
	}
	layoutIdx, err := randIndex(3)
	if err != nil {
		return "", err
	}
	hex, err := randHex6()
	if err != nil {
		return "", err
	}

	adj := adjectives[adjIdx]
	noun := nouns[nounIdx]
	altNoun := nouns[altIdx]

	var id string
	switch layoutIdx {
	case 0:
		id = fmt.Sprintf("%s-%s-%s", adj, noun, hex)
	case 1:
		id = fmt.Sprintf("%s-%s-%s", noun, adj, hex)
	default:
		id = fmt.Sprintf("%s-%s-%s", noun, altNoun, hex)
	}

	if len(id) > 40 {
		// Dictionaries are sized so this cannot happen; guard anyway since
		// job_id is a hard contract with downstream consumers.
		id = id[:40]
	}

	return id, nil
}

func randIndex(n int) (int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("jobid: reading random bytes: %w", err)
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n)), nil
}

func randHex6() (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("jobid: reading random bytes: %w", err)
	}
	return fmt.Sprintf("%02x%02x%02x", buf[0], buf[1], buf[2]), nil
}
