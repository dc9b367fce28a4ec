// Package logx is loopsched's logging layer: a small value-type Logger over
// zerolog with typed fields, and a Service that owns the sinks so a config
// reload can change level and outputs without touching the loggers handed
// out earlier.
//
// Console output is human readable with a short caller; the optional file
// sink is JSON lines.
package logx
