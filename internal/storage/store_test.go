package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "notifyguard/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dlq.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func seed(t *testing.T, st Store, rows ...FailedNotification) {
	t.Helper()
	for _, r := range rows {
		if r.Payload == nil {
			r.Payload = []byte(`{"text":"x"}`)
		}
		if r.Channel == "" {
			r.Channel = "CHAT"
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = t0
		}
		if err := st.Create(context.Background(), r); err != nil {
			t.Fatalf("Create %s: %v", r.ID, err)
		}
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestCreateGetUpdate(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st, FailedNotification{
				ID: "a", Type: "ORDER_CONFIRMATION", Recipient: "42", FailureReason: "Service unavailable",
				NextRetryAt: tp(t0.Add(5 * time.Minute)), Metadata: []byte(`{"order":1}`), StackTrace: "trace",
			})

			got, err := st.Get(ctx, "a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Type != "ORDER_CONFIRMATION" || got.RetryCount != 0 || got.NextRetryAt == nil || !got.NextRetryAt.Equal(t0.Add(5*time.Minute)) {
				t.Fatalf("unexpected row: %+v", got)
			}
			if !got.LastAttemptAt.Equal(t0) || string(got.Metadata) != `{"order":1}` || got.StackTrace != "trace" {
				t.Fatalf("unexpected row fields: %+v", got)
			}

			rc, reason, perm := 3, "Invalid token", true
			if err := st.Update(ctx, "a", Changes{RetryCount: &rc, FailureReason: &reason, ClearNextRetry: true, PermanentFailure: &perm, ReleaseClaim: true}); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ = st.Get(ctx, "a")
			if got.RetryCount != 3 || got.FailureReason != reason || got.NextRetryAt != nil || !got.PermanentFailure {
				t.Fatalf("update not applied: %+v", got)
			}

			if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) err = %v", err)
			}
			if err := st.Update(ctx, "missing", Changes{RetryCount: &rc}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Update(missing) err = %v", err)
			}
		})
	}
}

func TestFiltersAndCounts(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st,
				FailedNotification{ID: "due", NextRetryAt: tp(t0)},
				FailedNotification{ID: "future", NextRetryAt: tp(t0.Add(time.Hour))},
				FailedNotification{ID: "exhausted", NextRetryAt: tp(t0), RetryCount: 5},
				FailedNotification{ID: "resolved", ResolvedAt: tp(t0.Add(-40 * 24 * time.Hour))},
				FailedNotification{ID: "perm", PermanentFailure: true, LastAttemptAt: t0, Channel: "EMAIL"},
			)

			cases := []struct {
				name string
				f    Filter
				want int
			}{
				{"all", Filter{}, 5},
				{"pending", Filter{State: StatePending}, 3},
				{"pending under max", Filter{State: StatePending, RetryCountBelow: 5}, 2},
				{"pending at max", Filter{State: StatePending, RetryCountAtLeast: 5}, 1},
				{"due", Filter{State: StatePending, DueBy: t0, RetryCountBelow: 5}, 1},
				{"resolved", Filter{State: StateResolved}, 1},
				{"permanent", Filter{State: StatePermanent}, 1},
				{"terminal", Filter{State: StateTerminal}, 2},
				{"email", Filter{Channel: "EMAIL"}, 1},
				{"terminal before", Filter{TerminalBefore: t0.Add(-30 * 24 * time.Hour)}, 1},
			}
			for _, c := range cases {
				n, err := st.Count(ctx, c.f)
				if err != nil {
					t.Fatalf("%s: Count: %v", c.name, err)
				}
				if n != c.want {
					t.Fatalf("%s: Count = %d, want %d", c.name, n, c.want)
				}
			}

			deleted, err := st.DeleteMany(ctx, Filter{TerminalBefore: t0.Add(-30 * 24 * time.Hour)})
			if err != nil || deleted != 1 {
				t.Fatalf("DeleteMany = %d, %v", deleted, err)
			}
			if _, err := st.Get(ctx, "resolved"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("resolved row survived cleanup: %v", err)
			}
		})
	}
}

func TestClaimDueOrdersAndLeases(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st,
				FailedNotification{ID: "c", NextRetryAt: tp(t0.Add(-1 * time.Minute))},
				FailedNotification{ID: "a", NextRetryAt: tp(t0.Add(-3 * time.Minute))},
				FailedNotification{ID: "b", NextRetryAt: tp(t0.Add(-2 * time.Minute))},
				FailedNotification{ID: "later", NextRetryAt: tp(t0.Add(time.Minute))},
				FailedNotification{ID: "done", NextRetryAt: tp(t0.Add(-time.Hour)), ResolvedAt: tp(t0)},
			)

			req := ClaimRequest{Owner: "one", Now: t0, Lease: 2 * time.Minute, RetryCountBelow: 5, Limit: 2}
			got, err := st.ClaimDue(ctx, req)
			if err != nil {
				t.Fatalf("ClaimDue: %v", err)
			}
			if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
				t.Fatalf("claimed %v, want [a b]", ids(got))
			}
			if got[0].ClaimedBy != "one" || got[0].ClaimedUntil == nil {
				t.Fatalf("claim not recorded: %+v", got[0])
			}

			req.Owner, req.Limit = "two", 10
			got, _ = st.ClaimDue(ctx, req)
			if len(got) != 1 || got[0].ID != "c" {
				t.Fatalf("second claim %v, want [c]", ids(got))
			}

			// Lease expiry makes rows claimable again.
			req.Now = t0.Add(3 * time.Minute)
			got, _ = st.ClaimDue(ctx, req)
			if len(got) != 4 {
				t.Fatalf("after lease expiry claimed %v, want a b c later", ids(got))
			}

			if err := st.Update(ctx, "a", Changes{ReleaseClaim: true}); err != nil {
				t.Fatalf("release: %v", err)
			}
			row, _ := st.Get(ctx, "a")
			if row.ClaimedBy != "" || row.ClaimedUntil != nil {
				t.Fatalf("claim not released: %+v", row)
			}
		})
	}
}

func TestOwnerGuardedUpdate(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st, FailedNotification{ID: "a", NextRetryAt: tp(t0)})
			if _, err := st.ClaimDue(ctx, ClaimRequest{Owner: "one", Now: t0, Lease: time.Minute, Limit: 1}); err != nil {
				t.Fatalf("ClaimDue: %v", err)
			}
			// one's lease expires and two takes the row over
			if got, _ := st.ClaimDue(ctx, ClaimRequest{Owner: "two", Now: t0.Add(2 * time.Minute), Lease: time.Minute, Limit: 1}); len(got) != 1 {
				t.Fatalf("takeover claimed %v", ids(got))
			}

			stale := 1
			err := st.Update(ctx, "a", Changes{RetryCount: &stale, ReleaseClaim: true, Owner: "one"})
			if !errors.Is(err, ErrClaimLost) {
				t.Fatalf("stale owner update: %v", err)
			}
			row, _ := st.Get(ctx, "a")
			if row.RetryCount != 0 || row.ClaimedBy != "two" {
				t.Fatalf("stale owner changed the row: %+v", row)
			}

			fresh := 1
			if err := st.Update(ctx, "a", Changes{RetryCount: &fresh, ReleaseClaim: true, Owner: "two"}); err != nil {
				t.Fatalf("owner update: %v", err)
			}
			if err := st.Update(ctx, "missing", Changes{ReleaseClaim: true, Owner: "two"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing row: %v", err)
			}
		})
	}
}

func TestAuditAndDedup(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.AppendAudit(ctx, AuditEntry{Action: "breaker.reset", Target: "email:smtp", OK: 1}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			until := t0.Add(10 * time.Minute)
			if err := st.PutDedup(ctx, "alert:dlq", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "alert:dlq")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "nope"); ok {
				t.Fatal("unexpected dedup hit")
			}
		})
	}
}

func ids(rows []FailedNotification) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
