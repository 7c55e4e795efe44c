// Package verdict maps a bundle's attempt records to its overall outcome.
package verdict

import (
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// Result is the outcome of one evaluation. Final is false while the verdict is
// still provisional and the caller has to wait for more attempts to settle.
type Result struct {
	Verdict domain.BundleState
	Final   bool
	Ratio   float64
}

// Evaluate computes the verdict of a bundle.
//
// A required service that failed makes the bundle FAILED regardless of the
// success ratio. A required service that has not settled keeps the verdict
// provisional unless forced, in which case it counts as failed. Otherwise the
// ratio of succeeded records decides between SUCCEEDED and PARTIAL_SUCCESS.
func Evaluate(records []domain.AttemptRecord, required []string, minRatio float64, forced bool) Result {
	states := make(map[string]domain.AttemptState, len(records))
	for _, r := range records {
		states[r.Service.Name] = r.State
	}

	pendingRequired := false
	for _, name := range required {
		state, ok := states[name]
		if !ok {
			continue
		}
		if state == domain.AttemptFailed {
			return Result{Verdict: domain.BundleFailed, Final: true, Ratio: ratio(records)}
		}
		if !state.Terminal() {
			pendingRequired = true
		}
	}

	if pendingRequired {
		if forced {
			return Result{Verdict: domain.BundleFailed, Final: true, Ratio: ratio(records)}
		}
		return Result{Verdict: domain.BundleRunning, Final: false, Ratio: ratio(records)}
	}

	if !forced {
		for _, r := range records {
			if !r.State.Terminal() {
				return Result{Verdict: domain.BundleRunning, Final: false, Ratio: ratio(records)}
			}
		}
	}

	rt := ratio(records)
	if rt >= minRatio {
		return Result{Verdict: domain.BundleSucceeded, Final: true, Ratio: rt}
	}
	return Result{Verdict: domain.BundlePartialSuccess, Final: true, Ratio: rt}
}

func ratio(records []domain.AttemptRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	succeeded := 0
	for _, r := range records {
		if r.State == domain.AttemptSucceeded {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(records))
}
