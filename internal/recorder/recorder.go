package recorder

import (
	"sync"

	"github.com/lachart/steptest/internal/telemetry"
)

// Tags place a sample in the test. Step is the 0-based step index.
type Tags struct {
	Step         int
	Phase        string
	IntervalTime int // seconds into the current phase
	TotalTime    int // seconds since the test started, pauses excluded
}

// Sample is one per-second capture of the live snapshot.
type Sample struct {
	telemetry.Snapshot
	Tags
}

// Recorder is an append-only series of samples.
type Recorder struct {
	mu      sync.RWMutex
	samples []Sample
}

func New() *Recorder {
	return &Recorder{}
}

// Record appends a sample. The snapshot is deep-copied so later hub updates
// cannot reach into the series.
func (r *Recorder) Record(s telemetry.Snapshot, tags Tags) Sample {
	sample := Sample{Snapshot: s.Clone(), Tags: tags}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	return sample
}

// Samples returns a copy of the series.
func (r *Recorder) Samples() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, len(r.samples))
	for i, s := range r.samples {
		out[i] = Sample{Snapshot: s.Snapshot.Clone(), Tags: s.Tags}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// Last returns the most recent sample.
func (r *Recorder) Last() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.samples) == 0 {
		return Sample{}, false
	}
	s := r.samples[len(r.samples)-1]
	return Sample{Snapshot: s.Snapshot.Clone(), Tags: s.Tags}, true
}

// Reset discards the series.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}

// MeanPower averages the reported power of samples tagged with stepIndex and,
// unless phase is empty, with phase. Samples without power are skipped; ok is
// false when none had power.
func (r *Recorder) MeanPower(stepIndex int, phase string) (mean float64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	var n int
	for _, s := range r.samples {
		if s.Step != stepIndex || s.Power == nil || (phase != "" && s.Phase != phase) {
			continue
		}
		sum += *s.Power
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
