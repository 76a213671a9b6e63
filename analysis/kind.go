package analysis

import "strings"

// Type weights fed into the anomaly feature vector. DDL and grant-like
// statements carry the highest weight, mutating DML a medium weight,
// everything else weight 1. The values are part of the trained model
// contract.
const (
	WeightDefault = 1
	WeightDML     = 3
	WeightDDL     = 5
)

// Operation returns the coarse operation type of a statement (SELECT,
// UPDATE, ...) or UNKNOWN for unrecognizable input.
func Operation(sql string) string {
	tokens := tokenize(StripHint(sql))
	if len(tokens) == 0 || tokens[0].kind != tokenKeyword || !statementStarters[tokens[0].text] {
		return "UNKNOWN"
	}
	return strings.ToUpper(tokens[0].text)
}

// destructiveKeywords carry the DDL weight wherever they appear in the
// statement, not only in leading position. ALTER TABLE ... DROP COLUMN is as
// destructive as a bare DROP. Matching on tokens keeps string literals and
// comments from triggering it.
var destructiveKeywords = map[string]bool{
	"drop":     true,
	"truncate": true,
	"grant":    true,
}

// TypeWeight classifies a statement into its anomaly-model type weight.
func TypeWeight(sql string) int {
	tokens := tokenize(StripHint(sql))
	for _, tok := range tokens {
		if tok.kind == tokenKeyword && destructiveKeywords[tok.text] {
			return WeightDDL
		}
	}
	if len(tokens) == 0 || tokens[0].kind != tokenKeyword {
		return WeightDefault
	}
	switch tokens[0].text {
	case "update", "delete", "insert", "replace":
		return WeightDML
	}
	return WeightDefault
}

// IsDDL reports whether the statement performs a DDL or grant-like operation
// anywhere in its text, which triggers a hard score floor regardless of model
// output.
func IsDDL(sql string) bool {
	return TypeWeight(sql) == WeightDDL
}
