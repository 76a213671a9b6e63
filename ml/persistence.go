package ml

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
)

// ModelFormatVersion is bumped whenever the feature vector contract or the
// serialized forest layout changes. A persisted model with a different
// version is refused rather than silently misread.
const ModelFormatVersion = 1

// modelEnvelope wraps a serialized forest with its contract version.
type modelEnvelope struct {
	FormatVersion int
	NumFeatures   int
	Forest        *IsolationForest
}

// SaveModel writes a forest to path as gzip-compressed gob.
func SaveModel(path string, forest *IsolationForest) error {
	if forest == nil {
		return fmt.Errorf("forest cannot be nil")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	defer zw.Close()

	env := modelEnvelope{
		FormatVersion: ModelFormatVersion,
		NumFeatures:   NumFeatures,
		Forest:        forest,
	}
	if err := gob.NewEncoder(zw).Encode(&env); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// LoadModel reads a forest from path, validating the format version and
// feature dimensionality against the current contract.
func LoadModel(path string) (*IsolationForest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("model file is not gzip-compressed: %w", err)
	}
	defer zr.Close()

	var env modelEnvelope
	if err := gob.NewDecoder(zr).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}

	if env.FormatVersion != ModelFormatVersion {
		return nil, fmt.Errorf("model format version %d does not match expected %d",
			env.FormatVersion, ModelFormatVersion)
	}
	if env.NumFeatures != NumFeatures {
		return nil, fmt.Errorf("model trained on %d features, engine expects %d",
			env.NumFeatures, NumFeatures)
	}
	if env.Forest == nil || len(env.Forest.Trees) == 0 {
		return nil, fmt.Errorf("model file contains no trees")
	}

	return env.Forest, nil
}
