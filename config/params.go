package config

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// RiskParams is the hot-reloadable subset of configuration consulted on
// every statement evaluation. Instances are immutable; updates swap the
// whole snapshot.
type RiskParams struct {
	DecayRate            float64 `json:"decayRate"`
	ObservationThreshold float64 `json:"observationThreshold"`
	BlockThreshold       float64 `json:"blockThreshold"`
	WindowTTL            int     `json:"windowTtl"`
	ModelPath            string  `json:"modelPath"`
}

// ParamStore holds the current risk parameter snapshot. Readers get a
// consistent view; a malformed update leaves the previous snapshot intact.
type ParamStore struct {
	current atomic.Pointer[RiskParams]
}

// NewParamStore seeds the store from the static configuration.
func NewParamStore(c *Config) *ParamStore {
	s := &ParamStore{}
	s.current.Store(&RiskParams{
		DecayRate:            c.Risk.DecayRate,
		ObservationThreshold: c.Risk.ObservationThreshold,
		BlockThreshold:       c.Risk.BlockThreshold,
		WindowTTL:            c.Risk.WindowTTL,
		ModelPath:            c.ML.ModelPath,
	})
	return s
}

// Current returns the active snapshot.
func (s *ParamStore) Current() RiskParams {
	return *s.current.Load()
}

// Apply validates and installs a new snapshot.
func (s *ParamStore) Apply(p RiskParams) error {
	if err := ValidateRiskParams(p.DecayRate, p.ObservationThreshold, p.BlockThreshold, p.WindowTTL); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// ApplyJSON decodes a config-update payload and installs it. Fields absent
// from the payload keep their current values. The previous snapshot is
// retained when the payload is malformed or fails validation.
func (s *ParamStore) ApplyJSON(payload []byte) (modelPathChanged bool, err error) {
	prev := s.Current()
	next := prev
	if err := json.Unmarshal(payload, &next); err != nil {
		return false, fmt.Errorf("malformed config update: %w", err)
	}
	if err := s.Apply(next); err != nil {
		return false, err
	}
	return next.ModelPath != prev.ModelPath, nil
}
