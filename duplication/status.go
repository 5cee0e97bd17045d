package duplication

import (
	"time"

	"go.uber.org/atomic"
)

// Status counts duplication work. A single Status is shared by every
// duplicator and worker reporting into it.
type Status struct {
	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	lastError atomic.String
	updated   atomic.Time
}

// StatusSnapshot is a point-in-time copy of a Status.
type StatusSnapshot struct {
	InFlight   int64     `json:"in_flight"`
	Succeeded  int64     `json:"succeeded"`
	Failed     int64     `json:"failed"`
	Retries    int64     `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// NewStatus returns zeroed counters.
func NewStatus() *Status {
	return &Status{}
}

// begin marks one operation in flight and returns its completion func.
func (s *Status) begin() func(err error) {
	s.inFlight.Inc()
	return func(err error) {
		s.inFlight.Dec()
		if err != nil {
			s.failed.Inc()
			s.lastError.Store(err.Error())
		} else {
			s.succeeded.Inc()
		}
		s.updated.Store(time.Now())
	}
}

func (s *Status) retried() {
	s.retries.Inc()
}

// Snapshot returns the current counters.
func (s *Status) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		InFlight:   s.inFlight.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Retries:    s.retries.Load(),
		LastError:  s.lastError.Load(),
		LastUpdate: s.updated.Load(),
	}
}
