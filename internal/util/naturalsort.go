// Package util holds small helpers shared by the inbox and the CLI.
package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NaturalLess orders strings the way people number files: digit runs compare
// by value, so "policy2.pdf" sorts before "policy10.pdf". Other runs compare
// case-insensitively. Digit runs sort before text at the same position.
func NaturalLess(a, b string) bool {
	return NaturalCompare(a, b) < 0
}

// NaturalCompare returns -1, 0 or 1 as a sorts before, with or after b.
func NaturalCompare(a, b string) int {
	for a != "" && b != "" {
		ra, ka := nextRun(a)
		rb, kb := nextRun(b)
		a, b = a[len(ra):], b[len(rb):]

		switch {
		case ka && !kb:
			return -1
		case !ka && kb:
			return 1
		case ka:
			if c := compareDigits(ra, rb); c != 0 {
				return c
			}
		default:
			if c := strings.Compare(strings.ToLower(ra), strings.ToLower(rb)); c != 0 {
				return c
			}
		}
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	}
	return 1
}

// nextRun splits off the leading run of digits or non-digits.
func nextRun(s string) (run string, digits bool) {
	first, _ := utf8.DecodeRuneInString(s)
	digits = unicode.IsDigit(first)
	for i, r := range s {
		if unicode.IsDigit(r) != digits {
			return s[:i], digits
		}
	}
	return s, digits
}

// compareDigits compares two digit runs by value without parsing, so runs of
// any length work. Equal values with more leading zeros sort later.
func compareDigits(a, b string) int {
	ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	switch {
	case len(ta) != len(tb):
		if len(ta) < len(tb) {
			return -1
		}
		return 1
	case ta != tb:
		return strings.Compare(ta, tb)
	case len(a) != len(b):
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return 0
}
