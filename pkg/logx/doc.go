// Package logx configures notifyguard's structured logging.
//
// Components log through a small value type (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - An optional chat sink forwards WARN+ lines to the ops chat (min-level + rate limiting)
package logx
