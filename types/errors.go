package types

import "errors"

// Error taxonomy for the execution core. Callers classify with errors.Is and
// wrap with fmt.Errorf("...: %w", Err...) to add context.
var (
	// ErrValidation marks a malformed or unsafe request rejected before any
	// order was placed.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance marks an entry rejected for lack of margin.
	// Never retried within the same attempt.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrderRejected marks a venue-side order rejection.
	ErrOrderRejected = errors.New("order rejected")

	// ErrLeg1Failed marks insufficient aggregate fill on the maker leg.
	// Triggers local rollback of whatever filled.
	ErrLeg1Failed = errors.New("leg1 failed")

	// ErrLeg2Failed marks a hedge leg failure after leg1 is live. Triggers
	// emergency unwind, never silently retried.
	ErrLeg2Failed = errors.New("leg2 failed")

	// ErrExecution is the generic execution failure.
	ErrExecution = errors.New("execution failed")

	// ErrRollback marks a failed compensation. CRITICAL: live one-sided
	// exposure remains and trading must pause for manual intervention.
	ErrRollback = errors.New("rollback failed")

	// ErrReconciliation marks a reconciliation pass that could not complete.
	ErrReconciliation = errors.New("reconciliation failed")

	// ErrStaleData marks market data too old to act on.
	ErrStaleData = errors.New("stale market data")
)
