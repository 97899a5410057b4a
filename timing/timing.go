package timing

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/markkurossi/tabulate"

	"github.com/halilibrahimkanpak/he_inference/wire"
)

// Timing collects samples per phase label. It is safe for concurrent use.
type Timing struct {
	Start time.Time

	mu     sync.Mutex
	labels []string
	phases map[string]*Stats
}

// NewTiming creates a new Timing instance.
func NewTiming() *Timing {
	return &Timing{
		Start:  time.Now(),
		phases: make(map[string]*Stats),
	}
}

// Record adds a sample for label.
func (t *Timing) Record(label string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.phases[label]
	if !ok {
		ts = new(Stats)
		t.phases[label] = ts
		t.labels = append(t.labels, label)
	}
	ts.AddSample(d)
}

// Measure starts a sample for label; the returned function ends it.
//
//	defer t.Measure("relu")()
func (t *Timing) Measure(label string) func() {
	start := time.Now()
	return func() {
		t.Record(label, time.Since(start))
	}
}

// Labels returns the phase labels in first-recorded order.
func (t *Timing) Labels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.labels...)
}

// Phase returns a copy of the statistics of label.
func (t *Timing) Phase(label string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.phases[label]
	if !ok {
		return Stats{}, false
	}
	cp := *ts
	cp.Samples = append([]time.Duration(nil), ts.Samples...)
	return cp, true
}

// Print renders the phases and the connection's transfer statistics.
func (t *Timing) Print(w io.Writer, stats wire.IOStats) {
	labels := t.Labels()
	if len(labels) == 0 {
		return
	}

	sent := stats.Sent
	received := stats.Received

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Op").SetAlign(tabulate.ML)
	tab.Header("Count").SetAlign(tabulate.MR)
	tab.Header("Mean").SetAlign(tabulate.MR)
	tab.Header("StdDev").SetAlign(tabulate.MR)
	tab.Header("Total").SetAlign(tabulate.MR)
	tab.Header("%").SetAlign(tabulate.MR)

	total := time.Since(t.Start)
	for _, label := range labels {
		ts, _ := t.Phase(label)
		row := tab.Row()
		row.Column(label)
		row.Column(fmt.Sprintf("%d", len(ts.Samples)))
		row.Column(ts.Mean.String())
		row.Column(ts.StdDev.String())
		row.Column(ts.Total.String())
		row.Column(fmt.Sprintf("%.2f%%", float64(ts.Total)/float64(total)*100))
	}

	row := tab.Row()
	row.Column("Total").SetFormat(tabulate.FmtBold)
	row.Column("")
	row.Column("")
	row.Column("")
	row.Column(total.String()).SetFormat(tabulate.FmtBold)
	row.Column(FileSize(sent + received).String()).SetFormat(tabulate.FmtBold)

	row = tab.Row()
	row.Column("├╴Sent").SetFormat(tabulate.FmtItalic)
	row.Column(fmt.Sprintf("%d", stats.Messages))
	row.Column("")
	row.Column("")
	row.Column("")
	row.Column(FileSize(sent).String()).SetFormat(tabulate.FmtItalic)

	row = tab.Row()
	row.Column("╰╴Rcvd").SetFormat(tabulate.FmtItalic)
	row.Column("")
	row.Column("")
	row.Column("")
	row.Column("")
	row.Column(FileSize(received).String()).SetFormat(tabulate.FmtItalic)

	tab.Print(w)
}

// FileSize formats a byte count.
type FileSize uint64

func (s FileSize) String() string {
	if s > 1000*1000*1000*1000 {
		return fmt.Sprintf("%dTB", s/(1000*1000*1000*1000))
	} else if s > 1000*1000*1000 {
		return fmt.Sprintf("%dGB", s/(1000*1000*1000))
	} else if s > 1000*1000 {
		return fmt.Sprintf("%dMB", s/(1000*1000))
	} else if s > 1000 {
		return fmt.Sprintf("%dkB", s/1000)
	}
	return fmt.Sprintf("%dB", s)
}
