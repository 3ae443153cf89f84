package stream

import "context"

// AccountUpdate is one observed state of a program-owned account
type AccountUpdate struct {
	Slot   uint64
	Key    string
	Data   []byte
	Source string
}

// Event is either an account update or a transport error. Exactly one of the
// fields is set.
type Event struct {
	Update *AccountUpdate
	Err    error
}

// Source delivers account updates for one program. Implementations reconnect
// on their own and report each failure as an error Event; deciding when too
// many errors is fatal is left to the consumer.
type Source interface {
	// Connect opens the subscription, resuming from fromSlot when non-nil.
	Connect(ctx context.Context, fromSlot *uint64) error
	// Events is closed once the source has shut down.
	Events() <-chan Event
	// LastSlot is the highest slot seen so far.
	LastSlot() uint64
	Shutdown(ctx context.Context) error
}
