package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "notifyguard/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const failedColumns = `id, type, payload, recipient, channel, failure_reason, stack_trace, retry_count,
	next_retry_at, metadata, created_at, last_attempt_at, resolved_at, permanent_failure, claimed_by, claimed_until`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, n FailedNotification) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if n.ID == "" {
		return errors.New("create failed notification: empty id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_notifications(`+failedColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Type, n.Payload, n.Recipient, n.Channel, n.FailureReason, nullStr(n.StackTrace), n.RetryCount,
		msPtr(n.NextRetryAt), nullBytes(n.Metadata), n.CreatedAt.UnixMilli(), lastAttempt(n).UnixMilli(),
		msPtr(n.ResolvedAt), boolInt(n.PermanentFailure), nullStr(n.ClaimedBy), msPtr(n.ClaimedUntil),
	)
	if err != nil {
		return fmt.Errorf("insert failed notification: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (FailedNotification, error) {
	if s == nil || s.db == nil {
		return FailedNotification{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_notifications WHERE id = ?`, id)
	n, err := scanFailed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedNotification{}, ErrNotFound
	}
	return n, err
}

func (s *sqliteStore) FindMany(ctx context.Context, f Filter, order Order, limit int) ([]FailedNotification, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where, args := f.sql()
	q := `SELECT ` + failedColumns + ` FROM failed_notifications` + where + orderSQL(order)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectFailed(rows)
}

func (s *sqliteStore) Update(ctx context.Context, id string, ch Changes) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	sets, args := ch.sql()
	if len(sets) == 0 {
		return nil
	}
	where := ` WHERE id = ?`
	args = append(args, id)
	if ch.Owner != "" {
		where += ` AND claimed_by = ?`
		args = append(args, ch.Owner)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_notifications SET `+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return fmt.Errorf("update failed notification %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if ch.Owner == "" {
		return ErrNotFound
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrClaimLost
}

func (s *sqliteStore) Count(ctx context.Context, f Filter) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	where, args := f.sql()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_notifications`+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) DeleteMany(ctx context.Context, f Filter) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	where, args := f.sql()
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_notifications`+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimDue leases rows in a single UPDATE so concurrent instances never
// claim the same row.
func (s *sqliteStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]FailedNotification, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	now := req.Now.UnixMilli()
	maxRetry := req.RetryCountBelow
	if maxRetry <= 0 {
		maxRetry = int(^uint32(0) >> 1)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE failed_notifications
		    SET claimed_by = ?, claimed_until = ?
		  WHERE id IN (
		        SELECT id FROM failed_notifications
		         WHERE resolved_at IS NULL
		           AND permanent_failure = 0
		           AND next_retry_at IS NOT NULL
		           AND next_retry_at <= ?
		           AND retry_count < ?
		           AND (claimed_until IS NULL OR claimed_until <= ?)
		         ORDER BY next_retry_at ASC, id ASC
		         LIMIT ?)
		RETURNING `+failedColumns,
		req.Owner, req.Now.Add(req.Lease).UnixMilli(), now, maxRetry, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	out, err := collectFailed(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortRows(out, OrderNextRetryAsc)
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, remote, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), nullStr(e.Remote),
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func (f Filter) sql() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, f.Channel)
	}
	switch f.State {
	case StatePending:
		conds = append(conds, "resolved_at IS NULL AND permanent_failure = 0 AND next_retry_at IS NOT NULL")
	case StateResolved:
		conds = append(conds, "resolved_at IS NOT NULL")
	case StatePermanent:
		conds = append(conds, "permanent_failure = 1")
	case StateTerminal:
		conds = append(conds, "(resolved_at IS NOT NULL OR permanent_failure = 1)")
	}
	if !f.DueBy.IsZero() {
		conds = append(conds, "next_retry_at IS NOT NULL AND next_retry_at <= ?")
		args = append(args, f.DueBy.UnixMilli())
	}
	if f.RetryCountBelow > 0 {
		conds = append(conds, "retry_count < ?")
		args = append(args, f.RetryCountBelow)
	}
	if f.RetryCountAtLeast > 0 {
		conds = append(conds, "retry_count >= ?")
		args = append(args, f.RetryCountAtLeast)
	}
	if !f.TerminalBefore.IsZero() {
		conds = append(conds, "(resolved_at IS NOT NULL OR permanent_failure = 1) AND COALESCE(resolved_at, last_attempt_at) < ?")
		args = append(args, f.TerminalBefore.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderSQL(o Order) string {
	if o == OrderNextRetryAsc {
		return " ORDER BY next_retry_at IS NULL, next_retry_at ASC, id ASC"
	}
	return " ORDER BY created_at DESC, id DESC"
}

func (c Changes) sql() ([]string, []any) {
	var (
		sets []string
		args []any
	)
	if c.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *c.RetryCount)
	}
	if c.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, *c.FailureReason)
	}
	if c.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, c.LastAttemptAt.UnixMilli())
	}
	if c.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	} else if c.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, c.NextRetryAt.UnixMilli())
	}
	if c.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, c.ResolvedAt.UnixMilli())
	}
	if c.PermanentFailure != nil {
		sets = append(sets, "permanent_failure = ?")
		args = append(args, boolInt(*c.PermanentFailure))
	}
	if c.ReleaseClaim {
		sets = append(sets, "claimed_by = NULL", "claimed_until = NULL")
	}
	return sets, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailed(r rowScanner) (FailedNotification, error) {
	var (
		n                                    FailedNotification
		stack, claimedBy                     sql.NullString
		metadata                             []byte
		nextRetry, resolved, claimedUntil    sql.NullInt64
		createdAt, lastAttempt, permanentInt int64
	)
	err := r.Scan(&n.ID, &n.Type, &n.Payload, &n.Recipient, &n.Channel, &n.FailureReason, &stack, &n.RetryCount,
		&nextRetry, &metadata, &createdAt, &lastAttempt, &resolved, &permanentInt, &claimedBy, &claimedUntil)
	if err != nil {
		return FailedNotification{}, err
	}
	n.StackTrace = stack.String
	n.Metadata = metadata
	n.NextRetryAt = timePtr(nextRetry)
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	n.LastAttemptAt = time.UnixMilli(lastAttempt).UTC()
	n.ResolvedAt = timePtr(resolved)
	n.PermanentFailure = permanentInt != 0
	n.ClaimedBy = claimedBy.String
	n.ClaimedUntil = timePtr(claimedUntil)
	return n, nil
}

func collectFailed(rows *sql.Rows) ([]FailedNotification, error) {
	defer rows.Close()
	out := make([]FailedNotification, 0)
	for rows.Next() {
		n, err := scanFailed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func lastAttempt(n FailedNotification) time.Time {
	if n.LastAttemptAt.IsZero() {
		return n.CreatedAt
	}
	return n.LastAttemptAt
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
