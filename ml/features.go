// Package ml provides the anomaly-scoring side of the risk engine: a
// fixed-contract feature vector, an isolation-forest model with gob
// persistence, and the scorer that converts raw model output into a bounded
// risk contribution.
package ml

import (
	"math"
	"strings"
	"time"

	"deepaudit/analysis"
)

// NumFeatures is the dimensionality of the model input vector.
const NumFeatures = 13

// Feature vector layout. The order is a versioned contract tied to the
// trained model file: reordering, inserting or removing an entry invalidates
// every persisted model. Bump ModelFormatVersion on any change.
const (
	FeatHourOfDay = iota
	FeatIsWorkday
	FeatLogRowCount
	FeatLogAffectedRows
	FeatLogExecTime
	FeatLogFreq1Min
	FeatSQLTypeWeight
	FeatConditionCount
	FeatJoinCount
	FeatNestedLevel
	FeatHasAlwaysTrue
	FeatClientAppRisk
	FeatErrorCodeRisk
)

// Vector is one model input sample.
type Vector [NumFeatures]float64

// ExecMeta carries the runtime measurements that feed the volume features.
type ExecMeta struct {
	RowCount     int64
	AffectedRows int64
	Duration     time.Duration
	ClientApp    string
	ErrorCode    int
}

// BuildVector assembles the model input from the statement's timestamp,
// request frequency, type weight, structural features and execution
// metadata. Volume features use a natural-log-of-(1+x) transform so heavy
// tails do not dominate the split space.
func BuildVector(ts time.Time, freq1Min int64, typeWeight int, f *analysis.Features, meta ExecMeta) Vector {
	var v Vector

	v[FeatHourOfDay] = float64(ts.Hour())
	if wd := ts.Weekday(); wd >= time.Monday && wd <= time.Friday {
		v[FeatIsWorkday] = 1
	}
	v[FeatLogRowCount] = math.Log1p(float64(maxI64(meta.RowCount, 0)))
	v[FeatLogAffectedRows] = math.Log1p(float64(maxI64(meta.AffectedRows, 0)))
	v[FeatLogExecTime] = math.Log1p(float64(meta.Duration.Milliseconds()))
	v[FeatLogFreq1Min] = math.Log1p(float64(maxI64(freq1Min, 0)))
	v[FeatSQLTypeWeight] = float64(typeWeight)
	v[FeatConditionCount] = float64(f.ConditionCount)
	v[FeatJoinCount] = float64(f.JoinCount)
	v[FeatNestedLevel] = float64(f.NestedLevel)
	if f.HasAlwaysTrue {
		v[FeatHasAlwaysTrue] = 1
	}
	v[FeatClientAppRisk] = clientAppRisk(meta.ClientApp)
	if meta.ErrorCode > 0 {
		v[FeatErrorCodeRisk] = 1
	}

	return v
}

// clientAppRisk flags client programs commonly seen in scripted probing.
func clientAppRisk(app string) float64 {
	app = strings.ToLower(app)
	for _, marker := range []string{"python", "curl", "sqlmap"} {
		if strings.Contains(app, marker) {
			return 1
		}
	}
	return 0
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
