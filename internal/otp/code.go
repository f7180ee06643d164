package otp

import (
	"crypto/rand"
	"regexp"
)

const numChars = "0123456789"

// reRecipient matches E.164-like numbers: a '+', a non-zero digit and
// 1-14 more digits.
var reRecipient = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateRecipient checks the shape of a phone number.
func ValidateRecipient(to string) error {
	if !reRecipient.MatchString(to) {
		return ErrInvalidRecipient
	}
	return nil
}

// GenerateCode returns length random decimal digits. Leading zeros are
// kept; the code is a string, not a number.
func GenerateCode(length int) (string, error) {
	return generateRandomString(length, numChars)
}

// generateRandomString generates a random string of length n from chars.
// Random bytes that would bias the modulo are discarded so that every char
// is equally likely.
func generateRandomString(n int, chars string) (string, error) {
	var (
		out   = make([]byte, 0, n)
		buf   = make([]byte, n)
		limit = 256 - 256%len(chars)
	)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			out = append(out, chars[int(v)%len(chars)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
