package cache

import "fmt"

// LoadError wraps a loader failure. Every caller coalesced onto the failed
// load receives the same *LoadError.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache: load %q: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
