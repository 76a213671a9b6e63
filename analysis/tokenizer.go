package analysis

import (
	"strings"
	"unicode"
)

// tokenKind classifies a scanned SQL token.
type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenKeyword
	tokenNumber
	tokenString
	tokenSymbol
)

// token is one lexical unit of a statement. Identifier text is lower-cased
// with quoting stripped; string literal contents are discarded so values in
// literals never influence structural analysis.
type token struct {
	kind tokenKind
	text string
}

// sqlKeywords is the set of words treated as keywords rather than
// identifiers during structural analysis.
var sqlKeywords = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"replace": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "in": true, "exists": true, "join": true, "inner": true,
	"left": true, "right": true, "full": true, "outer": true, "cross": true,
	"on": true, "group": true, "order": true, "by": true, "having": true,
	"limit": true, "offset": true, "union": true, "all": true, "as": true,
	"into": true, "values": true, "set": true, "create": true, "drop": true,
	"truncate": true, "alter": true, "table": true, "index": true,
	"view": true, "grant": true, "revoke": true, "null": true, "is": true,
	"like": true, "between": true, "distinct": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "asc": true,
	"desc": true, "database": true, "schema": true, "to": true,
	"use": true, "show": true, "describe": true, "explain": true,
	"call": true, "begin": true, "commit": true, "rollback": true,
}

// tokenize scans SQL text into tokens. It understands line comments (-- and
// #), block comments, single-quoted strings with doubled or backslash
// escapes, and double-quote or backtick quoted identifiers. It never fails:
// malformed input simply yields the tokens scanned so far.
func tokenize(sql string) []token {
	var tokens []token
	runes := []rune(sql)
	i := 0
	n := len(runes)

	for i < n {
		c := runes[i]

		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}

		case c == '#':
			for i < n && runes[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}

		case c == '\'':
			i++
			for i < n {
				if runes[i] == '\\' && i+1 < n {
					i += 2
					continue
				}
				if runes[i] == '\'' {
					// Doubled quote is an escaped quote, not a terminator.
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			tokens = append(tokens, token{kind: tokenString, text: ""})

		case c == '"' || c == '`':
			quote := c
			i++
			start := i
			for i < n && runes[i] != quote {
				i++
			}
			text := strings.ToLower(string(runes[start:i]))
			if i < n {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: text})

		case unicode.IsDigit(c):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[start:i])})

		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$') {
				i++
			}
			text := strings.ToLower(string(runes[start:i]))
			kind := tokenIdent
			if sqlKeywords[text] {
				kind = tokenKeyword
			}
			tokens = append(tokens, token{kind: kind, text: text})

		default:
			tokens = append(tokens, token{kind: tokenSymbol, text: string(c)})
			i++
		}
	}

	return tokens
}
