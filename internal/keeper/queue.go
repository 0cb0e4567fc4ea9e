package keeper

import (
	"math"

	"github.com/tidwall/btree"
)

// AccountHealth is one account's margin position at the last scan.
type AccountHealth struct {
	Account     int
	Health      int64 // equity - maintenance
	Equity      int64 // ledger equity plus unrealized pnl
	Maintenance uint64
	UpdatedAt   int64
}

// NeedsLiquidation reports health at or below threshold.
func (h AccountHealth) NeedsLiquidation(threshold int64) bool {
	return h.Health <= threshold
}

// InPreliqZone reports health strictly between zero and buffer.
func (h AccountHealth) InPreliqZone(buffer int64) bool {
	return h.Health > 0 && h.Health < buffer
}

type healthKey struct {
	health  int64
	account int
}

func lessHealth(a, b healthKey) bool {
	if a.health != b.health {
		return a.health < b.health
	}
	return a.account < b.account
}

// HealthQueue orders accounts by health, lowest first. Not safe for
// concurrent use.
type HealthQueue struct {
	tree      *btree.BTreeG[healthKey]
	byAccount map[int]AccountHealth
}

func NewHealthQueue() *HealthQueue {
	return &HealthQueue{
		tree:      btree.NewBTreeG(lessHealth),
		byAccount: make(map[int]AccountHealth),
	}
}

// Push inserts h or replaces the account's previous entry.
func (q *HealthQueue) Push(h AccountHealth) {
	if old, ok := q.byAccount[h.Account]; ok {
		q.tree.Delete(healthKey{old.Health, old.Account})
	}
	q.byAccount[h.Account] = h
	q.tree.Set(healthKey{h.Health, h.Account})
}

// Pop removes and returns the lowest-health account.
func (q *HealthQueue) Pop() (AccountHealth, bool) {
	k, ok := q.tree.PopMin()
	if !ok {
		return AccountHealth{}, false
	}
	h := q.byAccount[k.account]
	delete(q.byAccount, k.account)
	return h, true
}

// Peek returns the lowest-health account without removing it.
func (q *HealthQueue) Peek() (AccountHealth, bool) {
	k, ok := q.tree.Min()
	if !ok {
		return AccountHealth{}, false
	}
	return q.byAccount[k.account], true
}

func (q *HealthQueue) Remove(account int) (AccountHealth, bool) {
	h, ok := q.byAccount[account]
	if !ok {
		return AccountHealth{}, false
	}
	q.tree.Delete(healthKey{h.Health, h.Account})
	delete(q.byAccount, account)
	return h, true
}

func (q *HealthQueue) Get(account int) (AccountHealth, bool) {
	h, ok := q.byAccount[account]
	return h, ok
}

func (q *HealthQueue) Len() int { return len(q.byAccount) }

func (q *HealthQueue) Clear() {
	q.tree.Clear()
	clear(q.byAccount)
}

// Liquidatable returns accounts with health at or below threshold, worst first.
func (q *HealthQueue) Liquidatable(threshold int64) []AccountHealth {
	var out []AccountHealth
	q.tree.Scan(func(k healthKey) bool {
		if k.health > threshold {
			return false
		}
		out = append(out, q.byAccount[k.account])
		return true
	})
	return out
}

// PreliqCandidates returns accounts in the pre-liquidation zone, worst first.
func (q *HealthQueue) PreliqCandidates(buffer int64) []AccountHealth {
	var out []AccountHealth
	q.tree.Ascend(healthKey{health: 1, account: math.MinInt}, func(k healthKey) bool {
		if k.health >= buffer {
			return false
		}
		out = append(out, q.byAccount[k.account])
		return true
	})
	return out
}
