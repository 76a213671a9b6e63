package ml

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusteredSamples produces a tight cluster around a base point so that a
// distant sample is clearly isolated.
func clusteredSamples(n int, seed int64) []Vector {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Vector, n)
	for i := range out {
		var v Vector
		v[FeatHourOfDay] = 10 + rng.Float64()*4
		v[FeatIsWorkday] = 1
		v[FeatLogRowCount] = 2 + rng.Float64()
		v[FeatLogExecTime] = 3 + rng.Float64()
		v[FeatLogFreq1Min] = 1 + rng.Float64()
		v[FeatSQLTypeWeight] = 1
		v[FeatConditionCount] = 1 + rng.Float64()
		out[i] = v
	}
	return out
}

func outlierSample() Vector {
	var v Vector
	v[FeatHourOfDay] = 3
	v[FeatLogRowCount] = 14
	v[FeatLogExecTime] = 11
	v[FeatLogFreq1Min] = 8
	v[FeatSQLTypeWeight] = 5
	v[FeatJoinCount] = 6
	v[FeatNestedLevel] = 4
	v[FeatHasAlwaysTrue] = 1
	return v
}

func TestFitRequiresSamples(t *testing.T) {
	_, err := FitIsolationForest(nil, ForestConfig{})
	assert.Error(t, err)
}

func TestFitIsDeterministicForSeed(t *testing.T) {
	samples := clusteredSamples(400, 7)
	cfg := ForestConfig{NumTrees: 50, SubsampleSize: 128, Seed: 42}

	f1, err := FitIsolationForest(samples, cfg)
	require.NoError(t, err)
	f2, err := FitIsolationForest(samples, cfg)
	require.NoError(t, err)

	probe := outlierSample()
	s1, err := f1.DecisionFunction(probe)
	require.NoError(t, err)
	s2, err := f2.DecisionFunction(probe)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestOutlierScoresBelowInlier(t *testing.T) {
	samples := clusteredSamples(500, 11)
	forest, err := FitIsolationForest(samples, ForestConfig{NumTrees: 100, SubsampleSize: 256, Seed: 1})
	require.NoError(t, err)

	inlier, err := forest.DecisionFunction(samples[0])
	require.NoError(t, err)
	outlier, err := forest.DecisionFunction(outlierSample())
	require.NoError(t, err)

	assert.Less(t, outlier, inlier, "isolated sample must score more negative than a cluster member")
	assert.Less(t, outlier, 0.0)
}

func TestDecisionFunctionEmptyForest(t *testing.T) {
	_, err := (&IsolationForest{}).DecisionFunction(Vector{})
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	samples := clusteredSamples(300, 3)
	forest, err := FitIsolationForest(samples, ForestConfig{NumTrees: 20, SubsampleSize: 64, Seed: 9})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "forest.model")
	require.NoError(t, SaveModel(path, forest))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	require.Len(t, loaded.Trees, len(forest.Trees))
	assert.Equal(t, forest.SubsampleSize, loaded.SubsampleSize)
	assert.Equal(t, NumFeatures, loaded.NumFeatures)

	probe := outlierSample()
	want, err := forest.DecisionFunction(probe)
	require.NoError(t, err)
	got, err := loaded.DecisionFunction(probe)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "nope.model"))
	assert.Error(t, err)
}

func TestSaveModelNilForest(t *testing.T) {
	err := SaveModel(filepath.Join(t.TempDir(), "nil.model"), nil)
	assert.Error(t, err)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.Greater(t, averagePathLength(256), averagePathLength(64))
}
