package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClearingHouse is the synchronous clearing core. Every mutating call runs
// through apply: it works on an uncommitted view of positions, pools and
// the collateral ledger, and either commits all of it or none of it.
type ClearingHouse struct {
	mu sync.RWMutex

	cfg         Config
	store       *state.Store
	pools       map[string]pool.AMM
	feed        *oracle.Feed
	assets      *ledger.Registry
	settlement  ledger.Asset
	collaterals map[string]CollateralConfig
	balances    *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	clock       *BlockClock
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	sequence    int64

	logger  zerolog.Logger
	metrics *observability.Metrics

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// CoreOutput is what one committed call hands to the persistence and
// publishing workers.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

type Option func(*options)

type options struct {
	logger     *zerolog.Logger
	metrics    *observability.Metrics
	persist    chan<- CoreOutput
	publish    chan<- CoreOutput
	dbChecker  DBIdempotencyChecker
	startBlock int64
	startTime  int64
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = &l } }

func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithOutputs wires the persistence channel (blocking send) and the publish
// channel (dropped when full). Either may be nil.
func WithOutputs(persist, publish chan<- CoreOutput) Option {
	return func(o *options) {
		o.persist = persist
		o.publish = publish
	}
}

func WithIdempotencyStore(db DBIdempotencyChecker) Option {
	return func(o *options) { o.dbChecker = db }
}

// WithGenesisBlock sets the block clock before the first call.
func WithGenesisBlock(number, timestamp int64) Option {
	return func(o *options) {
		o.startBlock = number
		o.startTime = timestamp
	}
}

func New(cfg Config, opts ...Option) (*ClearingHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	assets := ledger.NewRegistry()
	settlement, err := assets.Register(cfg.SettlementAsset, cfg.SettlementDecimals)
	if err != nil {
		return nil, err
	}
	collaterals := make(map[string]CollateralConfig, len(cfg.Collaterals))
	for _, col := range cfg.Collaterals {
		if _, err := assets.Register(col.Symbol, col.Decimals); err != nil {
			return nil, err
		}
		collaterals[col.Symbol] = col
	}

	idem, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, o.dbChecker)
	if err != nil {
		return nil, err
	}

	balances := ledger.NewBalanceTracker()
	ch := &ClearingHouse{
		cfg:         cfg,
		store:       state.NewStore(),
		pools:       make(map[string]pool.AMM),
		feed:        oracle.NewFeed(cfg.OracleCapacity),
		assets:      assets,
		settlement:  settlement,
		collaterals: collaterals,
		balances:    balances,
		validator:   ledger.NewInvariantValidator(balances, assets),
		clock:       NewBlockClock(o.startBlock, o.startTime),
		hasher:      NewStateHasher(),
		idempotency: idem,
		logger:      observability.NewLogger("core"),
		metrics:     o.metrics,
		persistChan: o.persist,
		publishChan: o.publish,
	}
	if o.logger != nil {
		ch.logger = *o.logger
	}
	return ch, nil
}

func (ch *ClearingHouse) Config() Config { return ch.cfg }

// Sequence returns the sequence of the last committed call.
func (ch *ClearingHouse) Sequence() int64 {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.sequence
}

// StateHash returns the hash chain tip.
func (ch *ClearingHouse) StateHash() [32]byte {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.hasher.Tip()
}

func (ch *ClearingHouse) Block() (number, timestamp int64) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.clock.Number(), ch.clock.Timestamp()
}

// Checkpoint is the engine position at one sequence, read atomically.
type Checkpoint struct {
	Sequence  int64
	StateHash [32]byte
	Block     int64
	BlockTime int64
	Markets   []string
}

func (ch *ClearingHouse) Checkpoint() Checkpoint {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return Checkpoint{
		Sequence:  ch.sequence,
		StateHash: ch.hasher.Tip(),
		Block:     ch.clock.Number(),
		BlockTime: ch.clock.Timestamp(),
		Markets:   ch.store.Begin().MarketIDs(),
	}
}

// Assets is the collateral registry. It is fixed after New.
func (ch *ClearingHouse) Assets() *ledger.Registry { return ch.assets }

// WarmCommands preloads committed (op, command ID) pairs into the
// duplicate filter.
func (ch *ClearingHouse) WarmCommands(keys [][2]string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.idempotency.Warm(keys)
}

// CallOption tags a call with the upstream command that produced it.
type CallOption func(*callMeta)

type callMeta struct {
	commandID string
	command   []byte
}

// WithCommand attaches a command ID (deduplicated) and the raw command,
// which is stored in the envelope for replay.
func WithCommand(id string, raw []byte) CallOption {
	return func(m *callMeta) {
		m.commandID = id
		m.command = raw
	}
}

// apply runs fn as one atomic call.
func (ch *ClearingHouse) apply(op string, market *string, opts []CallOption, fn func(c *callCtx) error) error {
	var meta callMeta
	for _, o := range opts {
		o(&meta)
	}
	start := time.Now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.idempotency.IsDuplicate(op, meta.commandID) {
		if ch.metrics != nil {
			ch.metrics.IngestDuplicates.Inc()
		}
		return fmt.Errorf("%w: %s %s", ErrDuplicateCommand, op, meta.commandID)
	}

	c := ch.begin(op, meta.commandID, false)
	if err := c.run(fn); err != nil {
		kind := KindOf(err)
		if ch.metrics != nil {
			ch.metrics.CoreCallsRejected.WithLabelValues(op, kind.String()).Inc()
		}
		ch.logger.Debug().Str("op", op).Str("kind", kind.String()).Err(err).Msg("call rejected")
		return err
	}

	ch.commit(c, market, meta)

	if ch.metrics != nil {
		ch.metrics.CoreCallsApplied.WithLabelValues(op).Inc()
		ch.metrics.CoreCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		ch.metrics.CoreSequence.Set(float64(ch.sequence))
	}
	return nil
}

// view runs fn on a read-only context over committed state.
func (ch *ClearingHouse) view(fn func(c *callCtx) error) error {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return fn(ch.begin("view", "", true))
}

func (ch *ClearingHouse) begin(op, ref string, readOnly bool) *callCtx {
	return &callCtx{
		ch:       ch,
		op:       op,
		readOnly: readOnly,
		tx:       ch.store.Begin(),
		ledger:   ch.balances.Begin(ref, ch.clock.Timestamp()),
		pools:    make(map[string]pool.AMM),
		mutated:  make(map[string]bool),
		marks:    make(map[string]*big.Int),
		touched:  make(map[string]bool),
		queued:   make(map[state.TokenKey]bool),
		traders:  make(map[uuid.UUID]bool),
		block:    ch.clock.Number(),
		now:      ch.clock.Timestamp(),
	}
}

func (ch *ClearingHouse) commit(c *callCtx, market *string, meta callMeta) {
	seq := ch.sequence + 1

	batch, err := c.ledger.Commit(seq)
	if err != nil {
		panic(fmt.Sprintf("FATAL: ledger batch rejected after checks passed: %v", err))
	}
	digest := c.tx.Digest()
	c.tx.Commit()
	for id, p := range c.pools {
		if c.mutated[id] {
			ch.pools[id] = p
		}
	}
	for _, f := range c.afterCommit {
		f()
	}
	for id := range c.mutated {
		// the block's closing price of every pool that moved feeds the mark TWAP
		if err := ch.feed.RecordMarkPrice(id, c.now, markPriceOf(ch.pools[id])); err != nil {
			ch.logger.Warn().Str("market", id).Err(err).Msg("mark observation dropped")
		}
	}

	if err := ch.validator.ValidateTouched(batch, ch.settlement.ID); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	every := ch.cfg.GlobalBalanceCheckEvery
	if batch != nil && (every <= 0 || seq%every == 0) {
		if err := ch.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: collateral ledger not zero-sum: %v", err))
		}
	}

	if batch != nil {
		for _, j := range batch.Journals {
			digest = append(digest, j.JournalID[:]...)
			digest = append(digest, j.Amount.Bytes()...)
		}
	}

	prev := ch.hasher.Tip()
	hash := ch.hasher.ComputeHash(seq, c.block, digest)
	ch.sequence = seq

	payload, err := event.EncodePayload(c.events)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode events: %v", err))
	}
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: meta.commandID,
		Op:             c.op,
		MarketID:       market,
		Block:          c.block,
		Timestamp:      time.Unix(c.now, 0).UTC(),
		Events:         c.events,
		Payload:        payload,
		Command:        meta.command,
		StateHash:      hash,
		PrevHash:       prev,
	}
	out := CoreOutput{Envelope: env, Batch: batch}

	if ch.persistChan != nil {
		// blocking: nothing is acknowledged before it is durable
		ch.persistChan <- out
	}
	if ch.publishChan != nil {
		select {
		case ch.publishChan <- out:
		default:
			if ch.metrics != nil {
				ch.metrics.PublishDrops.Inc()
			}
		}
	}
	ch.idempotency.MarkProcessed(c.op, meta.commandID)

	if ch.metrics != nil {
		for _, e := range c.events {
			ch.metrics.CoreEvents.WithLabelValues(e.EventType().String()).Inc()
		}
		if batch != nil {
			for _, j := range batch.Journals {
				ch.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
	ch.logger.Debug().
		Int64("seq", seq).
		Str("op", c.op).
		Int("events", len(c.events)).
		Msg("call committed")
}

func markPriceOf(p pool.AMM) *big.Int {
	return fpmath.PriceFromSqrtPriceX96(p.Slot0().SqrtPriceX96)
}
