package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Key is the hex SHA-256 fingerprint of a generation request.
type Key string

// NewKey fingerprints the five request fields. Text fields are whitespace
// normalized first, and every field is length-prefixed so that moving bytes
// between adjacent fields always changes the digest.
func NewKey(prompt, systemPrompt, model string, maxTokens int, temperature float64) Key {
	h := sha256.New()
	for _, field := range []string{
		Normalize(prompt),
		Normalize(systemPrompt),
		Normalize(model),
		strconv.Itoa(maxTokens),
		strconv.FormatFloat(temperature, 'g', -1, 64),
	} {
		fmt.Fprintf(h, "%d:%s;", len(field), field)
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Normalize trims s and collapses every internal whitespace run to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Short is a log-friendly prefix of the key.
func (k Key) Short() string {
	if len(k) <= 16 {
		return string(k)
	}
	return string(k[:16])
}
