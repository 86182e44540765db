package core

import "fmt"

// BlockClock is the core's only notion of time. Blocks advance strictly by
// number and never go back in time; index prices must not predate the last
// price of their market.
type BlockClock struct {
	number    int64
	timestamp int64

	lastPrice map[string]int64 // market -> timestamp of the latest index price

	stalePrices int64
}

func NewBlockClock(number, timestamp int64) *BlockClock {
	return &BlockClock{
		number:    number,
		timestamp: timestamp,
		lastPrice: make(map[string]int64),
	}
}

func (c *BlockClock) Number() int64    { return c.number }
func (c *BlockClock) Timestamp() int64 { return c.timestamp }

// ValidateBlock checks a block advance without applying it.
func (c *BlockClock) ValidateBlock(number, timestamp int64) error {
	if number <= c.number {
		return fmt.Errorf("%w: at block %d, got %d", ErrBlockOutOfOrder, c.number, number)
	}
	if timestamp < c.timestamp {
		return fmt.Errorf("%w: at time %d, got %d", ErrBlockOutOfOrder, c.timestamp, timestamp)
	}
	return nil
}

func (c *BlockClock) Advance(number, timestamp int64) {
	c.number = number
	c.timestamp = timestamp
}

// ValidatePrice rejects an index price older than the market's latest one.
// Equal timestamps replace the previous observation.
func (c *BlockClock) ValidatePrice(market string, timestamp int64) error {
	if last, ok := c.lastPrice[market]; ok && timestamp < last {
		c.stalePrices++
		return fmt.Errorf("%w: %s at %d, latest %d", ErrStalePrice, market, timestamp, last)
	}
	if timestamp > c.timestamp {
		return fmt.Errorf("%w: %s price at %d is ahead of block time %d", ErrStalePrice, market, timestamp, c.timestamp)
	}
	return nil
}

func (c *BlockClock) RecordPrice(market string, timestamp int64) {
	c.lastPrice[market] = timestamp
}

func (c *BlockClock) StalePrices() int64 { return c.stalePrices }
