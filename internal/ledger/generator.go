package ledger

import (
	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator turns state transitions into journal batches by diffing
// the ledger before and after.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// Generate returns the batch of balance movements from before to after, or nil
// when nothing moved. The sequence only advances when a batch is produced.
func (jg *JournalGenerator) Generate(before, after *State, eventRef string, typ JournalType, timestamp int64) *Batch {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
	}

	add := func(key AccountKey, delta int64) {
		if delta == 0 {
			return
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:   uuid.New(),
			BatchID:     batchID,
			EventRef:    eventRef,
			Sequence:    jg.sequence,
			Account:     key,
			Delta:       delta,
			JournalType: typ,
			Timestamp:   timestamp,
		})
	}

	for i := range after.Accounts {
		var prev Account
		if i < len(before.Accounts) {
			prev = before.Accounts[i]
		}
		cur := after.Accounts[i]
		add(UserKey(i, FieldPrincipal), diffU64(prev.Principal, cur.Principal))
		add(UserKey(i, FieldPnL), fpmath.SubI64(cur.PnL, prev.PnL))
		add(UserKey(i, FieldVested), fpmath.SubI64(cur.VestedPnL, prev.VestedPnL))
		add(UserKey(i, FieldReserved), diffU64(prev.ReservedPnL, cur.ReservedPnL))
	}
	add(SystemKey(FieldVault), diffU64(before.Vault, after.Vault))
	add(SystemKey(FieldInsurance), diffU64(before.InsuranceFund, after.InsuranceFund))
	add(SystemKey(FieldFees), diffU64(before.FeesOutstanding, after.FeesOutstanding))

	if len(batch.Journals) == 0 {
		return nil
	}
	jg.sequence++
	return batch
}

func diffU64(before, after uint64) int64 {
	if after >= before {
		return fpmath.ToSigned(after - before)
	}
	return -fpmath.ToSigned(before - after)
}
