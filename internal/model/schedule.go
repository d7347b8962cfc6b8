package model

import "time"

// RunbookSchedule represents a recurring execution of a stored plan
type RunbookSchedule struct {
	ID          string     `json:"id"`
	RunbookName string     `json:"runbook_name"`
	Expression  string     `json:"expression"`
	Plan        Plan       `json:"plan"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
