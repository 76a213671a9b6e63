package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deepaudit/bootstrap"
	"deepaudit/config"
	"deepaudit/core"
)

// NewConfigCmd builds the config publisher. It pushes a risk-parameter
// update onto the shared channel; every running engine instance applies it
// without a restart.
func NewConfigCmd() *cobra.Command {
	var (
		decayRate            float64
		observationThreshold float64
		blockThreshold       float64
		windowTTL            int
		modelPath            string
	)

	cmd := &cobra.Command{
		Use:   "config-publish",
		Short: "Publish a risk-parameter update to all engine instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sugar, err := bootstrap.InitLogger()
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Start from current static config, override with flags.
			params := config.NewParamStore(cfg)
			next := params.Current()
			if cmd.Flags().Changed("decay-rate") {
				next.DecayRate = decayRate
			}
			if cmd.Flags().Changed("observation-threshold") {
				next.ObservationThreshold = observationThreshold
			}
			if cmd.Flags().Changed("block-threshold") {
				next.BlockThreshold = blockThreshold
			}
			if cmd.Flags().Changed("window-ttl") {
				next.WindowTTL = windowTTL
			}
			if cmd.Flags().Changed("model-path") {
				next.ModelPath = modelPath
			}
			if err := params.Apply(next); err != nil {
				return fmt.Errorf("refusing to publish invalid parameters: %w", err)
			}

			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}

			redis := core.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
				cfg.Redis.PoolSize, cfg.Redis.OpTimeout, sugar)
			defer redis.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := redis.Publish(ctx, core.ConfigChannel, string(payload)); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}

			fmt.Printf("published: %s\n", payload)
			return nil
		},
	}

	cmd.Flags().Float64Var(&decayRate, "decay-rate", 0, "risk points decayed per second")
	cmd.Flags().Float64Var(&observationThreshold, "observation-threshold", 0, "score that arms the observation window")
	cmd.Flags().Float64Var(&blockThreshold, "block-threshold", 0, "score that blocks the identity")
	cmd.Flags().IntVar(&windowTTL, "window-ttl", 0, "observation window lifetime in seconds")
	cmd.Flags().StringVar(&modelPath, "model-path", "", "anomaly model file path")
	return cmd
}
