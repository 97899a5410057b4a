// Package timing records per-phase durations of a protocol run and renders
// them as a report.
package timing

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Stats summarizes the samples of one phase.
type Stats struct {
	Mean    time.Duration
	Median  time.Duration
	StdDev  time.Duration
	Total   time.Duration
	Samples []time.Duration
}

// AddSample records duration and recomputes the summary.
func (ts *Stats) AddSample(duration time.Duration) {
	ts.Samples = append(ts.Samples, duration)
	ts.Total += duration
	ts.calculateStats()
}

func (ts *Stats) calculateStats() {
	if len(ts.Samples) == 0 {
		return
	}
	values := make(stats.Float64Data, len(ts.Samples))
	for i, d := range ts.Samples {
		values[i] = float64(d.Nanoseconds())
	}
	mean, _ := stats.Mean(values)
	median, _ := stats.Median(values)
	stddev, _ := stats.StandardDeviation(values)

	ts.Mean = time.Duration(mean)
	ts.Median = time.Duration(median)
	ts.StdDev = time.Duration(stddev)
}
