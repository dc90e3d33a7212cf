package order

// Status is the lifecycle state of an order. Transitions form a DAG; an order
// never revisits a state it has left.
type Status string

const (
	// StatusPending is the initial state: the order exists and is awaiting
	// payment. It is the only state from which cancellation or expiry is
	// possible.
	StatusPending Status = "PENDING"
	// StatusPaid means the gateway confirmed settlement. Transient: the
	// orchestrator immediately attempts to move the order to DISPENSING.
	StatusPaid Status = "PAID"
	// StatusDispensing means the dispense command has been claimed by exactly
	// one caller and the machine is working (or about to).
	StatusDispensing Status = "DISPENSING"
	// StatusCompleted means the machine confirmed the item was released.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means payment was denied after PENDING, or dispensing
	// failed or timed out after payment. Failed-after-payment orders are
	// flagged refund-eligible.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the customer abandoned the order while it was
	// still PENDING.
	StatusCancelled Status = "CANCELLED"
	// StatusExpired means no settlement arrived before the order's deadline.
	StatusExpired Status = "EXPIRED"
)

// validNext encodes the allowed transition graph.
var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusPaid:      true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusPaid: {
		StatusDispensing: true,
		StatusFailed:     true,
	},
	StatusDispensing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// CanTransition reports whether the edge from → to exists in the graph.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(validNext[s]) == 0
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
