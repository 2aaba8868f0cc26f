// Package proto implements the line-oriented command grammar spoken
// by TCP clients and the numeric token conventions shared with the
// worker parsers.
package proto

import (
	"strconv"
	"strings"
)

// ParseNum parses one numeric token with C-style base detection:
// 0x../0X.. hex, leading 0 octal, 0b/0B binary, decimal otherwise.
// Any non-numeric trailer fails the parse.
func ParseNum(tok string) (int64, error) {
	return strconv.ParseInt(tok, 0, 64)
}

// Tokens splits a payload on the delimiter set the original wire
// commands use: spaces, tabs, commas and semicolons.
func Tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ' ', '\t', ',', ';', '\r', '\n':
			return true
		}
		return false
	})
}
