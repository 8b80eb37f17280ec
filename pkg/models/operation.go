package models

import "fmt"

// OperationKind names one logical operation run against an account
type OperationKind string

const (
	OperationRegister OperationKind = "register"
	OperationVerify   OperationKind = "verify"
	OperationLogin    OperationKind = "login"
	OperationTasks    OperationKind = "tasks"
	OperationStats    OperationKind = "stats"
	OperationFarm     OperationKind = "farm"
)

// AllOperationKinds lists every operation kind in pipeline order
var AllOperationKinds = []OperationKind{
	OperationRegister,
	OperationVerify,
	OperationLogin,
	OperationTasks,
	OperationStats,
	OperationFarm,
}

// ParseOperationKind converts a module name to an OperationKind
func ParseOperationKind(s string) (OperationKind, error) {
	for _, k := range AllOperationKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// OperationResult is the terminal output of one pipeline run
type OperationResult struct {
	Identifier string         `json:"identifier"`
	Status     bool           `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Kind       OperationKind  `json:"kind"`
	Attempts   int            `json:"attempts"`
	RunID      string         `json:"run_id,omitempty"`
}

// Success builds a successful result
func Success(kind OperationKind, email string, attempts int, data map[string]any) OperationResult {
	return OperationResult{
		Identifier: email,
		Status:     true,
		Data:       data,
		Kind:       kind,
		Attempts:   attempts,
	}
}

// Failure builds a failed result with a short reason
func Failure(kind OperationKind, email string, attempts int, reason string) OperationResult {
	return OperationResult{
		Identifier: email,
		Status:     false,
		Reason:     reason,
		Kind:       kind,
		Attempts:   attempts,
	}
}
