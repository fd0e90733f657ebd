package domain

// OrderResult wraps a venue trade adapter's response to an order submission.
type OrderResult struct {
	Success       bool
	OrderID       string
	FilledSizeUSD float64
	FillPrice     float64
	Message       string
}

// ExecutionState is the state of a two-leg execution attempt.
type ExecutionState string

const (
	ExecStatePending           ExecutionState = "pending"
	ExecStateLongLegFilled     ExecutionState = "long_leg_filled"
	ExecStateBothFilled        ExecutionState = "both_filled"
	ExecStateCompensatingClose ExecutionState = "compensating_close"
	ExecStateReverted          ExecutionState = "reverted"
	ExecStateFailed            ExecutionState = "failed"
)

// Terminal reports whether the state machine can advance no further.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecStateBothFilled, ExecStateReverted, ExecStateFailed, ExecStateCompensatingClose:
		return true
	}
	return false
}

// TradeOutcome is the result of an OpenPair or ClosePair attempt. When State
// is ExecStateCompensatingClose the engine could not reconcile the pair on
// its own and a manual-intervention alert has been raised.
type TradeOutcome struct {
	ID            string
	OpportunityID string
	Symbol        string
	State         ExecutionState
	LongRecordID  string
	ShortRecordID string
	Detail        string
}
