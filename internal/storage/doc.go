// Package storage persists dead-lettered notifications, operator audit
// entries and alert dedup state.
//
// It currently supports:
//   - Failed notification rows with lease-based claiming for retry workers
//   - Audit log appends (operator actions)
//   - Alert dedup windows (to survive restarts)
package storage
