package domain

// Priority is the retry/deadline class of a service
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for admission tie-breaks (lower is admitted first)
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority class
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// AttemptState is the state of one service attempt within a bundle
type AttemptState string

const (
	AttemptPending   AttemptState = "PENDING"
	AttemptRunning   AttemptState = "RUNNING"
	AttemptRetrying  AttemptState = "RETRYING"
	AttemptSucceeded AttemptState = "SUCCEEDED"
	AttemptFailed    AttemptState = "FAILED"
)

// Terminal reports whether the attempt record has settled for good
func (s AttemptState) Terminal() bool {
	return s == AttemptSucceeded || s == AttemptFailed
}

// BundleState is the overall state of a bundle job
type BundleState string

const (
	BundlePending        BundleState = "PENDING"
	BundleRunning        BundleState = "RUNNING"
	BundleSucceeded      BundleState = "SUCCEEDED"
	BundlePartialSuccess BundleState = "PARTIAL_SUCCESS"
	BundleFailed         BundleState = "FAILED"
	BundleTimedOut       BundleState = "TIMED_OUT"
)

// Final reports whether the bundle verdict has been finalized
func (s BundleState) Final() bool {
	switch s {
	case BundleSucceeded, BundlePartialSuccess, BundleFailed, BundleTimedOut:
		return true
	default:
		return false
	}
}

// Mode controls how many attempts of a bundle may be in flight at once
type Mode string

const (
	ModeConcurrent Mode = "concurrent"
	ModeSequential Mode = "sequential"
)

// Capability flags a service may require from the provisioning executor
const (
	CapabilityPayment = "needs_payment"
	CapabilityEmail   = "needs_email"
	CapabilityPhone   = "needs_phone"
)
