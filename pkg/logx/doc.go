// Package logx configures bdaybot's structured logging.
//
// logx.Logger is a small value type over zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON
//   - an optional chat sink forwards warnings to an operator chat (min level + rate limit)
package logx
