package domain

import "time"

// Metrics is the sink for operational measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// ObserveProbe records one per-owner discovery probe.
	ObserveProbe(kind OwnerKind, status ProbeStatus, duration time.Duration)

	// ObserveCatalogBuild records one full catalog rebuild.
	ObserveCatalogBuild(toolCount int, duration time.Duration, err error)

	// ObserveInvocation records one dispatched tool call.
	ObserveInvocation(source SourceType, decision Mode, ok bool, duration time.Duration)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveProbe(OwnerKind, ProbeStatus, time.Duration)      {}
func (NopMetrics) ObserveCatalogBuild(int, time.Duration, error)           {}
func (NopMetrics) ObserveInvocation(SourceType, Mode, bool, time.Duration) {}

var _ Metrics = NopMetrics{}
