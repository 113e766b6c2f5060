package config

import (
	"strings"

	"github.com/pkg/errors"
)

type tokenKind uint8

const (
	tokenString tokenKind = iota
	tokenColon
	tokenComma
	tokenLBracket
	tokenRBracket
	tokenLBrace
	tokenRBrace
)

func (k tokenKind) String() string {
	switch k {
	case tokenString:
		return "string"
	case tokenColon:
		return "':'"
	case tokenComma:
		return "','"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenLBrace:
		return "'{'"
	case tokenRBrace:
		return "'}'"
	}
	return "unknown"
}

type token struct {
	kind  tokenKind
	value string // Unquoted contents, for strings.
	col   int
}

var errUnterminatedString = errors.New("unterminated string")

const (
	sp   byte = ' '
	htab byte = '\t'
	vt   byte = 0x0B
	ff   byte = 0x0C
	cr   byte = '\r'
	lf   byte = '\n'
)

func isWhitespace(c byte) bool {
	switch c {
	case sp, htab, vt, ff, cr, lf:
		return true
	}
	return false
}

// tokenize splits a single line into tokens.
func tokenize(line string) ([]token, error) {
	var tokens []token

	for idx := 0; idx < len(line); {
		c := line[idx]
		if isWhitespace(c) {
			idx++
			continue
		}

		var kind tokenKind
		switch c {
		case '"':
			value, n, err := readString(line[idx:])
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", idx+1)
			}
			tokens = append(tokens, token{kind: tokenString, value: value, col: idx + 1})
			idx += n
			continue
		case ':':
			kind = tokenColon
		case ',':
			kind = tokenComma
		case '[':
			kind = tokenLBracket
		case ']':
			kind = tokenRBracket
		case '{':
			kind = tokenLBrace
		case '}':
			kind = tokenRBrace
		default:
			return nil, errors.Errorf("unexpected character %q at column %d", c, idx+1)
		}

		tokens = append(tokens, token{kind: kind, col: idx + 1})
		idx++
	}

	return tokens, nil
}

// readString reads a double-quoted string at the start of s.
// A backslash escapes the character following it.
func readString(s string) (value string, n int, err error) {
	var b strings.Builder

	for idx := 1; idx < len(s); idx++ {
		switch c := s[idx]; c {
		case '\\':
			idx++
			if idx == len(s) {
				return "", 0, errUnterminatedString
			}
			b.WriteByte(s[idx])
		case '"':
			return b.String(), idx + 1, nil
		default:
			b.WriteByte(c)
		}
	}

	return "", 0, errUnterminatedString
}
