package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notifyguard/pkg/logx"
)

// Store is the persistence API used by the DLQ, alerting and the admin API.
type Store interface {
	Create(ctx context.Context, n FailedNotification) error
	Get(ctx context.Context, id string) (FailedNotification, error)
	FindMany(ctx context.Context, f Filter, order Order, limit int) ([]FailedNotification, error)
	// Update applies ch to row id. Returns ErrNotFound for unknown ids.
	Update(ctx context.Context, id string, ch Changes) error
	Count(ctx context.Context, f Filter) (int, error)
	DeleteMany(ctx context.Context, f Filter) (int, error)
	// ClaimDue atomically leases up to req.Limit due rows, oldest NextRetryAt first.
	// Rows leased by another owner are skipped until their lease expires.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]FailedNotification, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
