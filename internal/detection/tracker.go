package detection

// TrackerState is the detection state of one target frequency.
type TrackerState int

const (
	Idle TrackerState = iota
	Accumulating
	Confirmed
)

func (s TrackerState) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Confirmed:
		return "confirmed"
	default:
		return "idle"
	}
}

// Tracker counts hits for one frequency. A hit adds one, a miss subtracts decay with a
// floor of zero. The tracker is confirmed once the count reaches required.
type Tracker struct {
	required float64
	decay    float64
	count    float64
}

// NewTracker creates an idle tracker.
func NewTracker(required, decay float64) *Tracker {
	return &Tracker{required: required, decay: decay}
}

// Hit records a frame in which the frequency was present.
func (t *Tracker) Hit() {
	t.count++
}

// Miss records a frame in which the frequency was absent.
func (t *Tracker) Miss() {
	t.count -= t.decay
	if t.count < 0 {
		t.count = 0
	}
}

// Reset returns the tracker to Idle.
func (t *Tracker) Reset() {
	t.count = 0
}

// Count is the current hit count.
func (t *Tracker) Count() float64 {
	return t.count
}

// State derives the state from the count.
func (t *Tracker) State() TrackerState {
	switch {
	case t.count >= t.required:
		return Confirmed
	case t.count > 0:
		return Accumulating
	default:
		return Idle
	}
}
