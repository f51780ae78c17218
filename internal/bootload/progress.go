package bootload

import (
	"time"
)

// Phase is the stage of the bootload sequence a progress update refers to.
type Phase string

const (
	PhaseEntering    Phase = "entering"
	PhaseValidating  Phase = "validating"
	PhaseProgramming Phase = "programming"
	PhaseVerifying   Phase = "verifying"
	PhaseFinalizing  Phase = "finalizing"
	PhaseComplete    Phase = "complete"
)

// Progress is a snapshot of the bootload sequence.
type Progress struct {
	Phase        Phase
	CurrentRow   int
	TotalRows    int
	BytesWritten int
	Elapsed      time.Duration
}

// ProgressFunc receives progress updates during a bootload.
type ProgressFunc func(progress Progress)

// reporter throttles per-row progress updates to a fixed cadence, so that a
// callback rendering to a terminal isn't called for every row. Phase changes
// are always delivered.
type reporter struct {
	callback ProgressFunc
	cadence  time.Duration

	started    time.Time
	lastUpdate time.Time
	lastPhase  Phase
}

func newReporter(callback ProgressFunc, cadence time.Duration) *reporter {
	return &reporter{
		callback: callback,
		cadence:  cadence,
		started:  time.Now(),
	}
}

func (r *reporter) report(progress Progress) {
	if r.callback == nil {
		return
	}

	now := time.Now()
	if progress.Phase == r.lastPhase && now.Sub(r.lastUpdate) < r.cadence {
		return
	}

	r.lastUpdate = now
	r.lastPhase = progress.Phase

	progress.Elapsed = now.Sub(r.started)
	r.callback(progress)
}
