package calc

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokName
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokIllegal
	tokBadNumber
)

type token struct {
	kind tokenKind
	text string
	pos  int
	num  value
}

// lex splits an expression into tokens. It never fails: characters outside
// the grammar become tokIllegal so the allow-list check still sees every
// identifier before the parser reports a syntax error.
func lex(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i = scanNumber(src, i)
			if i < len(src) && src[i] == '_' {
				// A separator not followed by a digit: swallow the rest of
				// the word so it is not mistaken for a name.
				for i < len(src) && (src[i] == '_' || isDigit(src[i]) || isLetter(rune(src[i]))) {
					i++
				}
				toks = append(toks, token{kind: tokBadNumber, text: src[start:i], pos: start})
				break
			}
			text := src[start:i]
			toks = append(toks, token{kind: tokNumber, text: text, pos: start, num: parseNumber(text)})
		case c == '_' || isLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || isDigit(src[i]) || isLetter(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokName, text: src[start:i], pos: start})
		case c == '*' || c == '/':
			if i+1 < len(src) && src[i+1] == c {
				toks = append(toks, token{kind: tokOp, text: src[i : i+2], pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
			}
		case c == '+' || c == '-' || c == '%':
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			toks = append(toks, token{kind: tokIllegal, text: string(c), pos: i})
			i++
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)})
}

// scanNumber reads a decimal literal. Single underscores may separate
// digits, as in 1_000_000.
func scanNumber(src string, i int) int {
	i = scanDigits(src, i)
	if i < len(src) && src[i] == '.' {
		i = scanDigits(src, i+1)
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = scanDigits(src, j)
		}
	}
	return i
}

func scanDigits(src string, i int) int {
	for i < len(src) {
		switch {
		case isDigit(src[i]):
			i++
		case src[i] == '_' && i > 0 && isDigit(src[i-1]) && i+1 < len(src) && isDigit(src[i+1]):
			i += 2
		default:
			return i
		}
	}
	return i
}

// parseNumber turns a numeric literal into an int when it has no fraction or
// exponent and fits in int64, otherwise a float.
func parseNumber(text string) value {
	text = strings.ReplaceAll(text, "_", "")
	if !strings.ContainsAny(text, ".eE") {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return intValue(n)
		}
	}
	// Out-of-range literals come back as ±Inf and are rejected on evaluation.
	f, _ := strconv.ParseFloat(text, 64)
	return floatValue(f)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(r rune) bool { return r < 0x80 && unicode.IsLetter(r) }

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}
