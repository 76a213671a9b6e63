// Package analysis extracts structural features from raw SQL text. It is a
// deliberately forgiving lexical analyzer, not a full SQL parser: statements
// it cannot recognize are flagged with ParseError and scored as a risk signal
// downstream rather than rejected.
package analysis

import (
	"sort"
	"strings"
)

// Features is the structural feature set of one statement. Created per
// statement and discarded after scoring; only the summary fields travel with
// the audit record.
type Features struct {
	TableCount     int      `json:"table_count"`
	ColumnCount    int      `json:"column_count"`
	ConditionCount int      `json:"condition_count"`
	JoinCount      int      `json:"join_count"`
	GroupByCount   int      `json:"group_by_count"`
	OrderByCount   int      `json:"order_by_count"`
	NestedLevel    int      `json:"nested_level"`
	HasAlwaysTrue  bool     `json:"has_always_true"`
	ParseError     bool     `json:"parse_error"`
	Tables         []string `json:"tables"`
}

// HasTable reports whether the statement references the given table name
// (already normalized).
func (f *Features) HasTable(name string) bool {
	for _, t := range f.Tables {
		if t == name {
			return true
		}
	}
	return false
}

// statementStarters are the keywords a recognizable statement may begin with.
var statementStarters = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"replace": true, "create": true, "drop": true, "truncate": true,
	"alter": true, "grant": true, "revoke": true, "use": true,
	"show": true, "describe": true, "explain": true, "call": true,
	"begin": true, "commit": true, "rollback": true, "set": true,
}

// Analyze extracts structural features from raw SQL text. An injected
// identity hint comment is stripped before scanning. Analyze never returns
// an error: unparseable input yields zeroed fields with ParseError set.
//
// NestedLevel is a keyword-count heuristic (number of SELECT clauses minus
// one, floored at zero), a proxy for subquery depth rather than a precise
// AST measurement.
func Analyze(sql string) *Features {
	f := &Features{}

	clean := strings.TrimSpace(StripHint(sql))
	if clean == "" {
		f.ParseError = true
		return f
	}

	tokens := tokenize(clean)
	if len(tokens) == 0 || tokens[0].kind != tokenKeyword || !statementStarters[tokens[0].text] {
		f.ParseError = true
		return f
	}

	tables := collectTables(tokens)
	f.Tables = tables
	f.TableCount = len(tables)

	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}

	selectCount := 0
	commaTables := 0
	columns := make(map[string]bool)

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		switch tok.kind {
		case tokenKeyword:
			switch tok.text {
			case "select":
				selectCount++
			case "where", "and", "or":
				f.ConditionCount++
			case "join":
				f.JoinCount++
			case "from":
				commaTables += countCommaList(tokens, i+1)
			case "group":
				if nextKeywordIs(tokens, i+1, "by") {
					f.GroupByCount = countClauseColumns(tokens, i+2)
				}
			case "order":
				if nextKeywordIs(tokens, i+1, "by") {
					f.OrderByCount = countClauseColumns(tokens, i+2)
				}
			}
		case tokenIdent:
			// Schema-qualified references count their final segment only.
			name := tok.text
			if i+2 < len(tokens) && tokens[i+1].kind == tokenSymbol && tokens[i+1].text == "." && tokens[i+2].kind == tokenIdent {
				name = tokens[i+2].text
				i += 2
			}
			if !tableSet[name] {
				columns[name] = true
			}
		}
	}

	// Implicit comma joins in a FROM list each count as one relationship.
	f.JoinCount += commaTables
	f.ColumnCount = len(columns)
	f.NestedLevel = maxInt(0, selectCount-1)
	f.HasAlwaysTrue = detectAlwaysTrue(tokens)

	return f
}

// collectTables walks the token stream gathering normalized table names from
// FROM/JOIN/INTO/UPDATE/TABLE positions. Derived tables (FROM followed by a
// parenthesis) contribute no name.
func collectTables(tokens []token) []string {
	seen := make(map[string]bool)

	expectTable := false
	inFromList := false

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if tok.kind == tokenKeyword {
			switch tok.text {
			case "from", "join", "into", "table":
				expectTable = true
				inFromList = tok.text == "from"
				continue
			case "update":
				// UPDATE at statement start names a table; SET ends it.
				if i == 0 {
					expectTable = true
				}
				continue
			case "as":
				continue
			default:
				expectTable = false
				inFromList = false
				continue
			}
		}

		if tok.kind == tokenSymbol && tok.text == "," && inFromList {
			expectTable = true
			continue
		}

		if expectTable && tok.kind == tokenIdent {
			name := tok.text
			if i+2 < len(tokens) && tokens[i+1].kind == tokenSymbol && tokens[i+1].text == "." && tokens[i+2].kind == tokenIdent {
				name = tokens[i+2].text
				i += 2
			}
			seen[name] = true
			expectTable = false
			// Skip a bare alias after the table name.
			if i+1 < len(tokens) && tokens[i+1].kind == tokenIdent {
				i++
			}
			continue
		}

		if expectTable {
			// Subquery or expression in table position.
			expectTable = false
			if !(tok.kind == tokenSymbol && tok.text == "(") {
				inFromList = false
			}
		}
	}

	tables := make([]string, 0, len(seen))
	for name := range seen {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables
}

// countCommaList counts additional comma-separated table references directly
// following a FROM clause.
func countCommaList(tokens []token, start int) int {
	count := 0
	depth := 0
	for i := start; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.kind == tokenSymbol {
			switch tok.text {
			case "(":
				depth++
			case ")":
				depth--
				if depth < 0 {
					return count
				}
			case ",":
				if depth == 0 {
					count++
				}
			}
			continue
		}
		if tok.kind == tokenKeyword && depth == 0 {
			switch tok.text {
			case "where", "join", "inner", "left", "right", "full", "cross",
				"group", "order", "having", "limit", "union", "on", "set":
				return count
			}
		}
	}
	return count
}

// countClauseColumns counts comma-separated entries after GROUP BY / ORDER BY.
func countClauseColumns(tokens []token, start int) int {
	count := 0
	sawEntry := false
	depth := 0
	for i := start; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.kind == tokenSymbol {
			switch tok.text {
			case "(":
				depth++
			case ")":
				depth--
				if depth < 0 {
					break
				}
			case ",":
				if depth == 0 {
					count++
				}
			}
			if depth < 0 {
				break
			}
			continue
		}
		if tok.kind == tokenKeyword && depth == 0 {
			switch tok.text {
			case "asc", "desc", "by":
				continue
			default:
				i = len(tokens)
				continue
			}
		}
		sawEntry = true
	}
	if sawEntry {
		count++
	}
	return count
}

// detectAlwaysTrue looks for a constant-true equality predicate such as 1=1.
// The check is conservative: it compares literal numeric tokens only, so
// obfuscated variants may be missed but ordinary predicates never fire it.
// String literal contents are discarded during scanning, so a value like
// '1=1' inside a literal cannot trigger a false positive.
func detectAlwaysTrue(tokens []token) bool {
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].kind == tokenNumber &&
			tokens[i+1].kind == tokenSymbol && tokens[i+1].text == "=" &&
			tokens[i+2].kind == tokenNumber &&
			tokens[i].text == tokens[i+2].text {
			return true
		}
	}
	return false
}

func nextKeywordIs(tokens []token, i int, text string) bool {
	return i < len(tokens) && tokens[i].kind == tokenKeyword && tokens[i].text == text
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
