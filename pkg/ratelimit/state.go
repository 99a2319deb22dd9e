// Package ratelimit gates requests to the ledger node.
//
// Two mechanisms combine in a Gate: a local token bucket that bounds request
// rate, and an error budget shared through Redis so that several scanner
// processes back off together when the node starts failing.
package ratelimit

import (
	"time"
)

// Redis key holding the error count of the current budget window.
const (
	RedisKeyErrors = "ledgerscan:error_budget:errors"
)

// Budget thresholds in percent of the configured budget.
const (
	// CriticalPercent blocks requests when the remaining budget falls below it.
	CriticalPercent = 5

	// WarningPercent throttles requests when the remaining budget falls below it.
	WarningPercent = 20

	// HealthyPercent marks the budget healthy at or above it.
	HealthyPercent = 50
)

// BudgetState is a view of the shared error budget for the current window.
type BudgetState struct {
	// Budget is the number of errors tolerated per window.
	Budget int `json:"budget"`

	// ErrorsRemaining is Budget minus errors recorded in this window. It may
	// go negative when processes race past the limit.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is when the current window expires.
	ResetAt time.Time `json:"reset_at"`

	LastUpdate time.Time `json:"last_update"`
	IsHealthy  bool      `json:"is_healthy"`
}

// NeedsCriticalBlock reports whether requests should stop until the window resets.
func (s *BudgetState) NeedsCriticalBlock() bool {
	return s.ErrorsRemaining*100 < CriticalPercent*s.Budget
}

// NeedsThrottling reports whether requests should slow down.
func (s *BudgetState) NeedsThrottling() bool {
	return s.ErrorsRemaining*100 < WarningPercent*s.Budget && !s.NeedsCriticalBlock()
}

// TimeUntilReset is zero once the window has passed.
func (s *BudgetState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy from ErrorsRemaining.
func (s *BudgetState) UpdateHealth() {
	s.IsHealthy = s.ErrorsRemaining*100 >= HealthyPercent*s.Budget
}

func fullBudget(budget int, window time.Duration) *BudgetState {
	now := time.Now()
	return &BudgetState{
		Budget:          budget,
		ErrorsRemaining: budget,
		ResetAt:         now.Add(window),
		LastUpdate:      now,
		IsHealthy:       true,
	}
}
