package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
	// ErrClaimLost means the row's lease passed to another owner.
	ErrClaimLost = errors.New("claim held by another owner")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// FailedNotification is one dead-lettered delivery attempt.
//
// Terminal rows have ResolvedAt set or PermanentFailure true and are only
// touched again by cleanup.
type FailedNotification struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Payload          []byte     `json:"payload"`
	Recipient        string     `json:"recipient"`
	Channel          string     `json:"channel"`
	FailureReason    string     `json:"failure_reason"`
	StackTrace       string     `json:"stack_trace,omitempty"`
	RetryCount       int        `json:"retry_count"`
	NextRetryAt      *time.Time `json:"next_retry_at"`
	Metadata         []byte     `json:"metadata,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastAttemptAt    time.Time  `json:"last_attempt_at"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	PermanentFailure bool       `json:"permanent_failure"`

	// Lease held by the processing instance that claimed the row.
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
}

func (n FailedNotification) Terminal() bool {
	return n.ResolvedAt != nil || n.PermanentFailure
}

// TerminalAt is when the row reached its terminal state.
func (n FailedNotification) TerminalAt() time.Time {
	if n.ResolvedAt != nil {
		return *n.ResolvedAt
	}
	if !n.LastAttemptAt.IsZero() {
		return n.LastAttemptAt
	}
	return n.CreatedAt
}

type State string

const (
	StateAny       State = ""
	StatePending   State = "pending"
	StateResolved  State = "resolved"
	StatePermanent State = "permanent"
	StateTerminal  State = "terminal"
)

// Filter selects rows; zero fields match everything. All set fields must match.
type Filter struct {
	ID      string
	Channel string
	State   State

	// DueBy matches rows with NextRetryAt <= DueBy.
	DueBy time.Time
	// RetryCountBelow matches rows with RetryCount < RetryCountBelow.
	RetryCountBelow int
	// RetryCountAtLeast matches rows with RetryCount >= RetryCountAtLeast.
	RetryCountAtLeast int
	// TerminalBefore matches terminal rows whose TerminalAt is before it.
	TerminalBefore time.Time
}

type Order int

const (
	OrderCreatedDesc Order = iota
	OrderNextRetryAsc
)

// Changes is a partial update. Nil pointers leave the column untouched.
type Changes struct {
	RetryCount       *int
	FailureReason    *string
	LastAttemptAt    *time.Time
	NextRetryAt      *time.Time
	ClearNextRetry   bool
	ResolvedAt       *time.Time
	PermanentFailure *bool
	// ReleaseClaim clears ClaimedBy and ClaimedUntil.
	ReleaseClaim bool
	// Owner, when set, makes the update conditional on the row still being
	// claimed by Owner. A mismatch returns ErrClaimLost.
	Owner string
}

// ClaimRequest leases due rows to Owner until Now+Lease.
type ClaimRequest struct {
	Owner           string
	Now             time.Time
	Lease           time.Duration
	RetryCountBelow int
	Limit           int
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Remote   string
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

// matches reports whether n satisfies f. Shared by the memory driver.
func (f Filter) matches(n FailedNotification) bool {
	if f.ID != "" && n.ID != f.ID {
		return false
	}
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	switch f.State {
	case StatePending:
		if n.Terminal() || n.NextRetryAt == nil {
			return false
		}
	case StateResolved:
		if n.ResolvedAt == nil {
			return false
		}
	case StatePermanent:
		if !n.PermanentFailure {
			return false
		}
	case StateTerminal:
		if !n.Terminal() {
			return false
		}
	}
	if !f.DueBy.IsZero() && (n.NextRetryAt == nil || n.NextRetryAt.After(f.DueBy)) {
		return false
	}
	if f.RetryCountBelow > 0 && n.RetryCount >= f.RetryCountBelow {
		return false
	}
	if f.RetryCountAtLeast > 0 && n.RetryCount < f.RetryCountAtLeast {
		return false
	}
	if !f.TerminalBefore.IsZero() && (!n.Terminal() || !n.TerminalAt().Before(f.TerminalBefore)) {
		return false
	}
	return true
}

func (c Changes) apply(n *FailedNotification) {
	if c.RetryCount != nil {
		n.RetryCount = *c.RetryCount
	}
	if c.FailureReason != nil {
		n.FailureReason = *c.FailureReason
	}
	if c.LastAttemptAt != nil {
		t := *c.LastAttemptAt
		n.LastAttemptAt = t
	}
	if c.ClearNextRetry {
		n.NextRetryAt = nil
	} else if c.NextRetryAt != nil {
		t := *c.NextRetryAt
		n.NextRetryAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		n.ResolvedAt = &t
	}
	if c.PermanentFailure != nil {
		n.PermanentFailure = *c.PermanentFailure
	}
	if c.ReleaseClaim {
		n.ClaimedBy = ""
		n.ClaimedUntil = nil
	}
}
