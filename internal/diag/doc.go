// Package diag provides the diagnostic sinks the sequencer reports to:
// structured logs, rolling statistics, bus events for slower consumers, and
// the systemd watchdog poller.
package diag
