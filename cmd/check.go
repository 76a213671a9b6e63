// Package cmd provides command-line tools for the deepaudit risk engine.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"deepaudit/analysis"
	"deepaudit/bootstrap"
	"deepaudit/config"
	"deepaudit/dlp"
	"deepaudit/risk"
	"deepaudit/storage"
)

var (
	headerColor  = color.New(color.FgBlue, color.Bold)
	allowColor   = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	blockColor   = color.New(color.FgRed, color.Bold)
)

// NewCheckCmd builds the offline statement checker. It scores a statement
// against the structural rules and the configured DLP tables without
// touching the risk store, for debugging rule and classifier behavior.
func NewCheckCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "check <sql>",
		Short: "Score a SQL statement offline",
		Long: "Parses and scores one SQL statement against the structural overrides and\n" +
			"the DLP table configuration. No risk state is read or written.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0], identity)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "cli", "identity to attribute the statement to")
	return cmd
}

func runCheck(sql, identity string) error {
	_, sugar, err := bootstrap.InitLogger()
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	classifier := dlp.NewClassifier(sugar)
	store, err := storage.NewStore(cfg.SQLite.Path, sugar)
	if err != nil {
		sugar.Warnw("audit store unavailable, DLP scoring disabled", "error", err)
	} else {
		defer store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tables, terr := store.LoadSensitiveTables(ctx)
		rules, rerr := store.LoadRiskRules(ctx)
		if terr == nil && rerr == nil {
			classifier.Reload(tables, rules)
		}
	}

	stripped := analysis.StripHint(sql)
	feats := analysis.Analyze(stripped)
	operation := analysis.Operation(stripped)
	dlpScore := classifier.Score(feats.Tables)
	ruleScore := classifier.ScoreText(stripped)
	combined := risk.Combine(feats, analysis.IsDDL(stripped), dlpScore, ruleScore, 0)

	headerColor.Printf("Statement analysis (%s)\n", identity)
	fmt.Printf("  operation:       %s (weight %d)\n", operation, analysis.TypeWeight(stripped))
	fmt.Printf("  tables:          %v\n", feats.Tables)
	fmt.Printf("  conditions:      %d\n", feats.ConditionCount)
	fmt.Printf("  joins:           %d\n", feats.JoinCount)
	fmt.Printf("  nesting:         %d\n", feats.NestedLevel)
	fmt.Printf("  always-true:     %v\n", feats.HasAlwaysTrue)
	fmt.Printf("  parse error:     %v\n", feats.ParseError)
	fmt.Printf("  dlp score:       %.1f\n", dlpScore)
	fmt.Printf("  rule score:      %.1f\n", ruleScore)

	p := config.NewParamStore(cfg).Current()
	switch {
	case combined >= p.BlockThreshold:
		blockColor.Printf("  combined score:  %.1f (would BLOCK)\n", combined)
	case combined >= p.ObservationThreshold:
		warningColor.Printf("  combined score:  %.1f (would WARN)\n", combined)
	default:
		allowColor.Printf("  combined score:  %.1f (would ALLOW)\n", combined)
	}
	return nil
}
