package logger

import (
	"unicode/utf8"
)

// Masked keeps the first and last rune of a secret and hides the rest. Used
// for tokens and keys that end up in log attributes.
func Masked(v string) string {
	if v == "" {
		return ""
	}
	if utf8.RuneCountInString(v) <= 2 {
		return "<redacted>"
	}
	first, _ := utf8.DecodeRuneInString(v)
	last, _ := utf8.DecodeLastRuneInString(v)
	return string(first) + "*****" + string(last)
}
