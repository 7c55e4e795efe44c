package domain

import "time"

// ServiceDescriptor describes one trial service to provision. It is never mutated after submission.
type ServiceDescriptor struct {
	Name         string   `json:"name"`
	Priority     Priority `json:"priority"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Requires reports whether the service needs the given capability flag
func (d ServiceDescriptor) Requires(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Criteria decides when a bundle counts as successful
type Criteria struct {
	MinSuccessRatio  float64  `json:"min_success_ratio"`
	RequiredServices []string `json:"required_services,omitempty"`
}

// Clone returns a copy that shares no slice with c
func (c Criteria) Clone() Criteria {
	return Criteria{
		MinSuccessRatio:  c.MinSuccessRatio,
		RequiredServices: append([]string(nil), c.RequiredServices...),
	}
}

// BundleRequest is what a caller submits to the scheduler
type BundleRequest struct {
	Services []ServiceDescriptor `json:"services"`
	Mode     Mode                `json:"mode"`
	Criteria Criteria            `json:"criteria"`
	// Timeout overrides the configured bundle timeout when positive
	Timeout time.Duration `json:"timeout,omitempty"`
}

// AttemptRecord tracks one service within a bundle
type AttemptRecord struct {
	Service       ServiceDescriptor `json:"service"`
	AttemptNumber int               `json:"attempt_number"`
	State         AttemptState      `json:"state"`
	LastError     string            `json:"last_error,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
}

// Clone returns a copy that shares no slice or pointer with r
func (r AttemptRecord) Clone() AttemptRecord {
	out := r
	out.Service.Capabilities = append([]string(nil), r.Service.Capabilities...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		out.SettledAt = &t
	}
	return out
}

// Snapshot is a read-only copy of a bundle's state. It holds no live references.
type Snapshot struct {
	BundleID    string          `json:"bundle_id"`
	Mode        Mode            `json:"mode"`
	State       BundleState     `json:"state"`
	Criteria    Criteria        `json:"criteria"`
	Attempts    []AttemptRecord `json:"attempts"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy, so archived snapshots can be handed out repeatedly
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Criteria = s.Criteria.Clone()
	if s.Attempts != nil {
		out.Attempts = make([]AttemptRecord, len(s.Attempts))
		for i, a := range s.Attempts {
			out.Attempts[i] = a.Clone()
		}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Attempt returns the record of the named service
func (s Snapshot) Attempt(name string) (AttemptRecord, bool) {
	for _, a := range s.Attempts {
		if a.Service.Name == name {
			return a, true
		}
	}
	return AttemptRecord{}, false
}

// OutcomeKind is the executor's classification of one attempt
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota + 1
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one external provisioning attempt
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Succeeded builds a successful outcome
func Succeeded() Outcome {
	return Outcome{Kind: OutcomeSucceeded}
}

// Retryable builds a transient failure outcome
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: NewRetryableError(err)}
}

// Terminal builds a non-retryable failure outcome
func Terminal(err error) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: NewTerminalError(err)}
}

// Transition is emitted for every attempt state change
type Transition struct {
	BundleID      string       `json:"bundle_id"`
	ServiceName   string       `json:"service_name"`
	From          AttemptState `json:"from"`
	To            AttemptState `json:"to"`
	AttemptNumber int          `json:"attempt_number"`
	Error         string       `json:"error,omitempty"`
	At            time.Time    `json:"at"`
}

// BundleTransition is emitted whenever a bundle's overall state changes
type BundleTransition struct {
	BundleID string      `json:"bundle_id"`
	From     BundleState `json:"from"`
	To       BundleState `json:"to"`
	Snapshot Snapshot    `json:"snapshot"`
	At       time.Time   `json:"at"`
}
