package store

import "crypto/rand"

// codeAlphabet is A-Z and 2-9 minus the visually ambiguous 0, O, 1, I —
// 32 unambiguous symbols.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

// generateCode returns a uniformly random 8-character code over
// codeAlphabet using a CSPRNG.
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
