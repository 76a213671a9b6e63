// Package dlp scores statements by the sensitivity of the tables they touch
// and by configured value patterns. Scoring is a pure function of the loaded
// configuration; the lookup tables are swapped atomically on reload and never
// mutated in place while being read.
package dlp

import (
	"regexp"
	"strings"
	"sync/atomic"

	"deepaudit/core"
	"go.uber.org/zap"
)

// MaxScore is the upper bound of the sensitivity score.
const MaxScore = 100

// levelWeight is multiplied by the sensitivity level and configured
// coefficient to produce a per-table score.
const levelWeight = 15

type snapshot struct {
	tables map[string]core.SensitiveTable
	rules  []compiledRule
}

type compiledRule struct {
	name    string
	pattern *regexp.Regexp
	weight  float64
}

// Classifier maps accessed table names to a bounded deterministic risk score.
type Classifier struct {
	snap   atomic.Pointer[snapshot]
	logger *zap.SugaredLogger
}

// NewClassifier creates a classifier with empty configuration. Call Reload to
// populate it.
func NewClassifier(logger *zap.SugaredLogger) *Classifier {
	c := &Classifier{logger: logger}
	c.snap.Store(&snapshot{tables: map[string]core.SensitiveTable{}})
	return c
}

// Reload replaces the sensitive-table and rule configuration atomically.
// Rules with invalid patterns are skipped with a log entry; the rest of the
// batch still applies.
func (c *Classifier) Reload(tables []core.SensitiveTable, rules []core.RiskRule) {
	snap := &snapshot{tables: make(map[string]core.SensitiveTable, len(tables))}

	for _, t := range tables {
		name := NormalizeTableName(t.Name)
		if name == "" {
			continue
		}
		snap.tables[name] = t
	}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			c.logger.Warnw("Skipping risk rule with invalid pattern",
				"rule", r.Name, "error", err)
			continue
		}
		snap.rules = append(snap.rules, compiledRule{name: r.Name, pattern: re, weight: r.Weight})
	}

	c.snap.Store(snap)
	c.logger.Infof("DLP configuration reloaded: %d sensitive tables, %d rules",
		len(snap.tables), len(snap.rules))
}

// Score returns the sensitivity score for a set of accessed table names.
// Each matched table scores level * 15 * coefficient; the overall score is
// the maximum across matches, not the sum: one sensitive table is dangerous
// no matter how many harmless tables are also touched. Unmatched tables
// contribute zero. The result is clamped to [0, 100].
func (c *Classifier) Score(tables []string) float64 {
	snap := c.snap.Load()

	best := 0.0
	for _, name := range tables {
		cfg, ok := snap.tables[NormalizeTableName(name)]
		if !ok {
			continue
		}
		score := float64(cfg.Level) * levelWeight * cfg.Coefficient
		if score > best {
			best = score
		}
	}

	if best > MaxScore {
		return MaxScore
	}
	if best < 0 {
		return 0
	}
	return best
}

// ScoreText matches the configured value patterns against statement text and
// returns the highest matching rule weight, clamped to [0, 100].
func (c *Classifier) ScoreText(sql string) float64 {
	snap := c.snap.Load()

	best := 0.0
	for _, r := range snap.rules {
		if r.pattern.MatchString(sql) && r.weight > best {
			best = r.weight
		}
	}

	if best > MaxScore {
		return MaxScore
	}
	return best
}

// TableCount returns the number of configured sensitive tables.
func (c *Classifier) TableCount() int {
	return len(c.snap.Load().tables)
}

// NormalizeTableName lowers the case, strips quoting and drops any schema
// prefix so `"Prod"."Users"` and users compare equal.
func NormalizeTableName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.Trim(name, "`\"")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.Trim(name, "`\"")
}
