package pipeline

import "sync"

// Exclusions is the set of accounts removed from scheduling for the rest of the run
type Exclusions struct {
	mu      sync.RWMutex
	reasons map[string]string
}

// NewExclusions creates an empty set
func NewExclusions() *Exclusions {
	return &Exclusions{reasons: make(map[string]string)}
}

// Add excludes email. Returns false when it was already excluded.
func (e *Exclusions) Add(email, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.reasons[email]; ok {
		return false
	}
	e.reasons[email] = reason
	return true
}

// Reason returns why email was excluded
func (e *Exclusions) Reason(email string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reason, ok := e.reasons[email]
	return reason, ok
}

// Len returns the number of excluded accounts
func (e *Exclusions) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.reasons)
}
