package memwatch

import "time"

// DefaultLogSize keeps one hour of samples at the default interval.
const DefaultLogSize = 720

// Sample is one resident memory reading.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	ResidentBytes uint64    `json:"resident_bytes"`
	Delta         int64     `json:"delta_bytes"`
	Severity      Severity  `json:"severity"`
}

// Accumulator carries the state of one monitoring run.
type Accumulator struct {
	Baseline    uint64
	HasBaseline bool
	MaxDelta    int64
	LeakSamples int
	Count       int
	Log         []Sample

	logSize int
}

func NewAccumulator(logSize int) *Accumulator {
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	return &Accumulator{logSize: logSize}
}

func (a *Accumulator) SetBaseline(resident uint64) {
	a.Baseline = resident
	a.HasBaseline = true
}

// Add records a reading against the baseline and returns it classified.
func (a *Accumulator) Add(at time.Time, resident uint64) Sample {
	delta := int64(resident) - int64(a.Baseline)
	s := Sample{
		Timestamp:     at,
		ResidentBytes: resident,
		Delta:         delta,
		Severity:      Classify(delta),
	}

	a.Count++
	a.MaxDelta = max(a.MaxDelta, delta)
	if delta > GrowingLimit {
		a.LeakSamples++
	}

	if len(a.Log) == a.logSize {
		copy(a.Log, a.Log[1:])
		a.Log = a.Log[:len(a.Log)-1]
	}
	a.Log = append(a.Log, s)
	return s
}

// Summary is the verdict printed when a run ends.
type Summary struct {
	Baseline    uint64   `json:"baseline_bytes"`
	Samples     int      `json:"samples"`
	MaxDelta    int64    `json:"max_delta_bytes"`
	LeakSamples int      `json:"leak_samples"`
	Severity    Severity `json:"severity"`
}

func (a *Accumulator) Summary() Summary {
	return Summary{
		Baseline:    a.Baseline,
		Samples:     a.Count,
		MaxDelta:    a.MaxDelta,
		LeakSamples: a.LeakSamples,
		Severity:    Classify(a.MaxDelta),
	}
}
