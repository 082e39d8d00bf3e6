// Package logx configures fleetrun's structured logging.
//
// fleetrun uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (min-level + rate limiting) that forwards
//     operator-relevant records to a notification channel
package logx
