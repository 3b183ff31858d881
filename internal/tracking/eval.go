package tracking

import (
	"encoding/csv"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// DefaultQuantiles are the percentiles reported for absolute error.
var DefaultQuantiles = []float64{10, 50, 90}

// PercentileMetricName names the absolute-error metric for percentile q,
// e.g. "AE-at-90th-percentile".
func PercentileMetricName(q float64) string {
	return "AE-at-" + strconv.FormatFloat(q, 'f', -1, 64) + "th-percentile"
}

// Percentile returns the q-th percentile (0..100) of sorted values with
// linear interpolation between the closest ranks.
func Percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// AbsErrorPercentiles computes |prediction - target| for every pair and
// returns one metric per quantile.
func AbsErrorPercentiles(targets, predictions, quantiles []float64) ([]Metric, error) {
	if len(targets) != len(predictions) {
		return nil, errors.Errorf("length mismatch: %d targets, %d predictions", len(targets), len(predictions))
	}
	if len(targets) == 0 {
		return nil, errors.New("no observations")
	}

	absErr := make([]float64, len(targets))
	for i := range targets {
		absErr[i] = math.Abs(predictions[i] - targets[i])
	}
	slices.Sort(absErr)

	metrics := make([]Metric, 0, len(quantiles))
	for _, q := range quantiles {
		if q < 0 || q > 100 || math.IsNaN(q) {
			return nil, errors.Errorf("quantile %v out of range [0, 100]", q)
		}
		metrics = append(metrics, Metric{
			Key:   PercentileMetricName(q),
			Value: Percentile(absErr, q),
		})
	}
	return metrics, nil
}

// ReadPredictions reads a CSV with a header row and returns the values of
// the target and prediction columns.
func ReadPredictions(r io.Reader, targetCol, predictionCol string) (targets, predictions []float64, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	ti, pi := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case targetCol:
			ti = i
		case predictionCol:
			pi = i
		}
	}
	if ti < 0 {
		return nil, nil, errors.Errorf("column %q not found", targetCol)
	}
	if pi < 0 {
		return nil, nil, errors.Errorf("column %q not found", predictionCol)
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read line %d", line)
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(rec[ti]), 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "line %d: %s", line, targetCol)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(rec[pi]), 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "line %d: %s", line, predictionCol)
		}
		targets = append(targets, t)
		predictions = append(predictions, p)
	}
	return targets, predictions, nil
}
