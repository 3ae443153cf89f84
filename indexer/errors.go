package indexer

import "fmt"

// FatalError is a condition the indexer cannot recover from. Run returns it
// after an orderly shutdown.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Reason
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
