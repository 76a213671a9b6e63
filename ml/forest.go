package ml

import (
	"fmt"
	"math"
	"math/rand"
)

// ForestNode is one node of an isolation tree. Fields are exported for gob
// serialization of persisted models.
type ForestNode struct {
	Left    *ForestNode
	Right   *ForestNode
	Feature int     // split feature index into Vector
	Split   float64 // split value
	Size    int     // samples reaching this node during fit
	Leaf    bool
}

// ForestConfig holds isolation forest build parameters.
type ForestConfig struct {
	NumTrees      int // default 100
	SubsampleSize int // default 256
	MaxDepth      int // default ceil(log2(SubsampleSize))
	Seed          int64
}

// IsolationForest is an isolation-forest anomaly model over the fixed
// feature vector contract. More-negative decision-function values indicate
// stronger anomalies, matching the convention of the scikit-learn models the
// scoring pipeline was originally trained with.
type IsolationForest struct {
	Trees         []*ForestNode
	SubsampleSize int
	NumFeatures   int
}

// FitIsolationForest builds a forest from training samples. Training proper
// happens offline; this exists for model bootstrap tooling and tests.
func FitIsolationForest(samples []Vector, cfg ForestConfig) (*IsolationForest, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.SubsampleSize <= 0 {
		cfg.SubsampleSize = 256
	}
	if cfg.SubsampleSize > len(samples) {
		cfg.SubsampleSize = len(samples)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = int(math.Ceil(math.Log2(float64(cfg.SubsampleSize)))) + 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	forest := &IsolationForest{
		Trees:         make([]*ForestNode, 0, cfg.NumTrees),
		SubsampleSize: cfg.SubsampleSize,
		NumFeatures:   NumFeatures,
	}

	for i := 0; i < cfg.NumTrees; i++ {
		sub := subsample(samples, cfg.SubsampleSize, rng)
		forest.Trees = append(forest.Trees, buildNode(sub, 0, cfg.MaxDepth, rng))
	}

	return forest, nil
}

// DecisionFunction returns the raw anomaly score for a sample. Values below
// zero indicate anomalies; the more negative, the more isolated the sample.
func (f *IsolationForest) DecisionFunction(v Vector) (float64, error) {
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("empty forest")
	}

	total := 0.0
	for _, root := range f.Trees {
		total += pathLength(root, v, 0)
	}
	avgPath := total / float64(len(f.Trees))

	// Standard isolation forest anomaly score in [0, 1]; 0.5 is the
	// boundary between typical and isolated samples.
	c := averagePathLength(f.SubsampleSize)
	if c <= 0 {
		return 0, fmt.Errorf("degenerate subsample size %d", f.SubsampleSize)
	}
	score := math.Pow(2, -avgPath/c)

	// Recentre so the boundary maps to zero and anomalies go negative.
	return 0.5 - score, nil
}

func subsample(samples []Vector, size int, rng *rand.Rand) []Vector {
	if len(samples) <= size {
		return samples
	}
	out := make([]Vector, size)
	for i := range out {
		out[i] = samples[rng.Intn(len(samples))]
	}
	return out
}

func buildNode(samples []Vector, depth, maxDepth int, rng *rand.Rand) *ForestNode {
	if len(samples) <= 1 || depth >= maxDepth {
		return &ForestNode{Leaf: true, Size: len(samples)}
	}

	feature := rng.Intn(NumFeatures)
	minV, maxV := math.MaxFloat64, -math.MaxFloat64
	for _, s := range samples {
		if s[feature] < minV {
			minV = s[feature]
		}
		if s[feature] > maxV {
			maxV = s[feature]
		}
	}
	if minV == maxV {
		return &ForestNode{Leaf: true, Size: len(samples)}
	}

	split := minV + rng.Float64()*(maxV-minV)

	var left, right []Vector
	for _, s := range samples {
		if s[feature] <= split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	return &ForestNode{
		Feature: feature,
		Split:   split,
		Size:    len(samples),
		Left:    buildNode(left, depth+1, maxDepth, rng),
		Right:   buildNode(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *ForestNode, v Vector, depth float64) float64 {
	if node == nil {
		return depth
	}
	if node.Leaf {
		if node.Size > 1 {
			return depth + averagePathLength(node.Size)
		}
		return depth
	}
	if v[node.Feature] <= node.Split {
		return pathLength(node.Left, v, depth+1)
	}
	return pathLength(node.Right, v, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST
// search over n samples: 2H(n-1) - 2(n-1)/n.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	harmonic := 0.0
	for i := 1; i <= n-1; i++ {
		harmonic += 1.0 / float64(i)
	}
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
