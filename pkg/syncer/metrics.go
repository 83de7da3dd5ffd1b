package syncer

import "time"

// SyncMetrics receives observations from sync sessions.
type SyncMetrics interface {
	// SessionOpened and SessionClosed track live sessions per mode.
	SessionOpened(mode Mode)
	SessionClosed(mode Mode)

	// RecordEvent counts an event sent ("out") or received ("in").
	RecordEvent(direction string, kind EventKind)

	// RecordEntry counts a remote entry by ingest outcome.
	RecordEntry(outcome string)

	// RecordTransfer counts a payload fetch by outcome and its bytes.
	RecordTransfer(outcome string, bytes uint64)

	// ObserveRound records the duration of a reconcile round.
	ObserveRound(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened(Mode)            {}
func (noopMetrics) SessionClosed(Mode)            {}
func (noopMetrics) RecordEvent(string, EventKind) {}
func (noopMetrics) RecordEntry(string)            {}
func (noopMetrics) RecordTransfer(string, uint64) {}
func (noopMetrics) ObserveRound(time.Duration)    {}
