package memwatch

// MiB is the unit behind every "MB" threshold.
const MiB = 1024 * 1024

const (
	StableLimit  = 50 * MiB
	GrowingLimit = 200 * MiB
	LeakLimit    = 500 * MiB
)

type Severity string

const (
	Stable       Severity = "stable"
	Growing      Severity = "growing"
	LeakDetected Severity = "leak-detected"
	MassiveLeak  Severity = "massive-leak"
)

// Classify maps a growth over baseline to a severity. Shrinking is stable.
func Classify(delta int64) Severity {
	switch {
	case delta <= StableLimit:
		return Stable
	case delta <= GrowingLimit:
		return Growing
	case delta <= LeakLimit:
		return LeakDetected
	default:
		return MassiveLeak
	}
}
