package runner

import "github.com/YaganovValera/dune-sync/internal/query"

// Status of one query within a run.
type Status int

const (
	StatusSuccess Status = iota
	StatusEmpty
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is what happened to one descriptor.
type Outcome struct {
	Query  query.Descriptor
	Status Status
	Rows   int   // only for StatusSuccess
	Err    error // only for StatusFailure
}

// Summary aggregates the outcomes of a run, in descriptor order.
type Summary struct {
	Outcomes  []Outcome
	Succeeded int
	Empty     int
	Failed    int
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case StatusSuccess:
		s.Succeeded++
	case StatusEmpty:
		s.Empty++
	case StatusFailure:
		s.Failed++
	}
}

// OK reports whether no query failed.
func (s Summary) OK() bool { return s.Failed == 0 }
