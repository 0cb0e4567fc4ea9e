package core

import (
	"MarginLedger/internal/observability"
	"fmt"
)

// SequenceValidator enforces contiguous upstream sequences per partition.
// Sequences start at 1; a command with source sequence 0 is unsequenced and
// never checked. Not thread-safe; guarded by the engine mutex.
type SequenceValidator struct {
	lastSeq map[string]int64 // partition -> last accepted sequence
	metrics *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		metrics: metrics,
	}
}

// Check validates sourceSequence without advancing the partition.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}
	expected := sv.lastSeq[partition] + 1

	switch {
	case sourceSequence == expected:
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.OutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	default:
		if sv.metrics != nil {
			sv.metrics.SequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
}

// Advance records sourceSequence as applied.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence > sv.lastSeq[partition] {
		sv.lastSeq[partition] = sourceSequence
	}
}

// Partitions returns a copy of the per-partition state (snapshot).
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.lastSeq))
	for k, v := range sv.lastSeq {
		out[k] = v
	}
	return out
}

// Restore replaces the per-partition state.
func (sv *SequenceValidator) Restore(partitions map[string]int64) {
	sv.lastSeq = make(map[string]int64, len(partitions))
	for k, v := range partitions {
		sv.lastSeq[k] = v
	}
}
