package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// IdempotencyChecker drops commands whose ID was already committed. The hot
// tier is an in-memory LRU; the cold tier (the event log) is consulted on a
// miss when configured.
type IdempotencyChecker struct {
	recent *lru.Cache
	db     DBIdempotencyChecker

	duplicates  int64
	tier2Errors int64
}

// DBIdempotencyChecker looks a command ID up in durable storage.
type DBIdempotencyChecker interface {
	IsDuplicate(op string, commandID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker) (*IdempotencyChecker, error) {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{recent: cache, db: db}, nil
}

func compositeKey(op, commandID string) string {
	return op + ":" + commandID
}

func (ic *IdempotencyChecker) IsDuplicate(op, commandID string) bool {
	if commandID == "" {
		return false
	}
	key := compositeKey(op, commandID)
	if ic.recent.Contains(key) {
		ic.duplicates++
		return true
	}
	if ic.db == nil {
		return false
	}
	dup, err := ic.db.IsDuplicate(op, commandID)
	if err != nil {
		// a storage outage must not stall the core
		ic.tier2Errors++
		return false
	}
	if dup {
		ic.duplicates++
		ic.recent.Add(key, struct{}{})
	}
	return dup
}

// MarkProcessed records a committed command ID.
func (ic *IdempotencyChecker) MarkProcessed(op, commandID string) {
	if commandID == "" {
		return
	}
	ic.recent.Add(compositeKey(op, commandID), struct{}{})
}

// Warm preloads recently committed IDs after a restart.
func (ic *IdempotencyChecker) Warm(keys [][2]string) {
	for _, k := range keys {
		ic.MarkProcessed(k[0], k[1])
	}
}

func (ic *IdempotencyChecker) Len() int { return ic.recent.Len() }

func (ic *IdempotencyChecker) Duplicates() int64 { return ic.duplicates }

func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errors }
