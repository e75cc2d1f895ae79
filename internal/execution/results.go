package execution

import (
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/venue"
)

// submitResultKind tags the outcome of one venue write attempt. Representing
// this as a closed value type, rather than an error hierarchy, keeps the
// orchestrator's branches exhaustive.
type submitResultKind int

const (
	resultCommitted submitResultKind = iota // venue acknowledged the write
	resultUncertain                         // failure after the write may have landed
	resultFatal                             // venue refused, no side effects
)

type submitResult struct {
	kind submitResultKind
	ack  *venue.Ack
	err  error
}

func committed(ack *venue.Ack) submitResult { return submitResult{kind: resultCommitted, ack: ack} }
func uncertain(err error) submitResult      { return submitResult{kind: resultUncertain, err: err} }
func fatal(err error) submitResult          { return submitResult{kind: resultFatal, err: err} }

// IntentStatus summarizes what happened to one intent in a batch.
type IntentStatus string

const (
	IntentSubmitted  IntentStatus = "SUBMITTED"
	IntentConfirmed  IntentStatus = "CONFIRMED" // uncertain write resolved as landed
	IntentSimulated  IntentStatus = "SIMULATED"
	IntentDuplicate  IntentStatus = "DUPLICATE"
	IntentSuppressed IntentStatus = "SUPPRESSED"
	IntentRejected   IntentStatus = "REJECTED"
	IntentUnknown    IntentStatus = "UNKNOWN"
	IntentFailed     IntentStatus = "FAILED" // operation did not take effect
)

// IntentResult is the per-intent outcome returned to the caller.
type IntentResult struct {
	Intent        types.OrderIntent `json:"intent"`
	Status        IntentStatus      `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
}

// BatchResult aggregates one orchestration pass.
type BatchResult struct {
	CycleID string         `json:"cycle_id"`
	Results []IntentResult `json:"results"`
}

// Count returns how many results carry the given status.
func (b *BatchResult) Count(status IntentStatus) int {
	n := 0
	for _, r := range b.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// CancelTarget names one order to cancel.
type CancelTarget struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol"`
}

// CancelResult is the per-target outcome of a cancellation pass.
type CancelResult struct {
	Target CancelTarget `json:"target"`
	Status IntentStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}
