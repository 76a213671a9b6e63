package bootstrap

import (
	"fmt"

	"deepaudit/analysis"
	"deepaudit/config"
)

func analysisCache(cfg *config.Config) (*analysis.FeatureCache, error) {
	cache, err := analysis.NewFeatureCache(cfg.Audit.FeatureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build feature cache: %w", err)
	}
	return cache, nil
}
