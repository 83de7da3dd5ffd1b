package store

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/document"
)

// StoreMetrics receives observations from a Store.
//
// Implementations must be safe for concurrent use. The Prometheus
// implementation lives in pkg/metrics.
type StoreMetrics interface {
	// ObserveSet records one local write and its outcome.
	ObserveSet(share string, kind document.SetEventKind, duration time.Duration)

	// RecordIngest records one entry received from elsewhere. Outcome is
	// "stored", "no_op" or "rejected".
	RecordIngest(share string, outcome string)

	// RecordCollected records blobs erased by garbage collection.
	RecordCollected(erased int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSet(string, document.SetEventKind, time.Duration) {}
func (noopMetrics) RecordIngest(string, string)                            {}
func (noopMetrics) RecordCollected(int)                                    {}
