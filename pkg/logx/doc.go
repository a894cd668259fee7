// Package logx configures jobsched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Loggers handed out by Service live across Apply calls
package logx
