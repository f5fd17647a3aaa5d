package scoped

import (
	"fmt"
	"strings"
)

// Alphabet is the base58 alphabet (no 0, O, I, l).
const Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodeUID encodes n as fixed-width base58. The width is chosen so every
// value up to UIDMax fits, keeping scoped names the same length for any pid.
func EncodeUID(n int) string {
	base := len(Alphabet)
	var chars [uidWidth]byte
	for i := uidWidth - 1; i >= 0; i-- {
		chars[i] = Alphabet[n%base]
		n /= base
	}
	return string(chars[:])
}

// DecodeUID decodes a base58 token produced by EncodeUID.
func DecodeUID(s string) (int, error) {
	base := len(Alphabet)
	n := 0
	for _, c := range s {
		idx := strings.IndexRune(Alphabet, c)
		if idx < 0 {
			return 0, fmt.Errorf("invalid base58 character %q in %q", c, s)
		}
		n = n*base + idx
	}
	return n, nil
}
