package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	maker  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	trader = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
)

func newCore(t *testing.T, persist chan core.CoreOutput) *core.ClearingHouse {
	t.Helper()
	ch, err := core.New(core.DefaultConfig(),
		core.WithOutputs(persist, nil),
		core.WithGenesisBlock(1, 1_700_000_000),
		core.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return ch
}

func mustApply(t *testing.T, ch *core.ClearingHouse, raw string) any {
	t.Helper()
	cmd, err := ingestion.ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	res, err := ingestion.Apply(ch, cmd)
	if err != nil {
		t.Fatalf("apply %s: %v", cmd.Op, err)
	}
	return res
}

// script is a market with one maker and one taker, all driven by commands.
func script() []string {
	return []string{
		`{"id":"m1","op":"register_market","market":"ETH-PERP","base_token":"vETH","tick_spacing":60,"price":"100","protocol_fee_ratio":"0.001"}`,
		fmt.Sprintf(`{"id":"d1","op":"deposit","trader":"%s","asset":"USDC","amount":"2000000000"}`, maker),
		fmt.Sprintf(`{"id":"l1","op":"add_liquidity","maker":"%s","market":"ETH-PERP","lower_tick":43980,"upper_tick":48000,"base":"100","quote":"10000"}`, maker),
		fmt.Sprintf(`{"id":"d2","op":"deposit","trader":"%s","asset":"USDC","amount":"1000000000"}`, trader),
		fmt.Sprintf(`{"id":"t1","op":"open_position","trader":"%s","market":"ETH-PERP","is_base_to_quote":false,"is_exact_input":true,"amount":"250"}`, trader),
		`{"op":"advance_block","number":2,"timestamp":1700000012}`,
	}
}

// ============================================================================
// Test: Parsing
// ============================================================================

func TestParseCommand_OpenPosition(t *testing.T) {
	raw := fmt.Sprintf(`{"id":"c-1","op":"open_position","trader":"%s","market":"ETH-PERP",
		"is_base_to_quote":true,"is_exact_input":true,"amount":"1.5","price_limit":"90"}`, trader)

	cmd, err := ingestion.ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.ID != "c-1" || cmd.Op != "open_position" {
		t.Errorf("header: got %s/%s", cmd.ID, cmd.Op)
	}
	if string(cmd.Raw) != raw {
		t.Error("raw command must be kept verbatim")
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"op":`},
		{"unknown op", `{"op":"transfer"}`},
		{"missing trader", `{"op":"open_position","market":"ETH-PERP","amount":"1"}`},
		{"numeric amount", fmt.Sprintf(`{"op":"open_position","trader":"%s","market":"M","amount":1}`, trader)},
		{"zero amount", fmt.Sprintf(`{"op":"open_position","trader":"%s","market":"M","amount":"0"}`, trader)},
		{"too many decimals", fmt.Sprintf(`{"op":"mint","trader":"%s","token":"vETH","amount":"0.0000000000000000001"}`, trader)},
		{"inverted range", fmt.Sprintf(`{"op":"add_liquidity","maker":"%s","market":"M","lower_tick":60,"upper_tick":0}`, maker)},
		{"fractional native", fmt.Sprintf(`{"op":"deposit","trader":"%s","asset":"USDC","amount":"1.5"}`, trader)},
		{"ratio above one", `{"op":"register_market","market":"M","base_token":"vM","tick_spacing":60,"price":"1","partial_close_ratio":"1.5"}`},
		{"bad uuid", `{"op":"withdraw_all","trader":"not-a-uuid","asset":"USDC"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand([]byte(tc.raw))
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParsePriceUpdate(t *testing.T) {
	cmd, err := ingestion.ParsePriceUpdate([]byte(`{"feed":"ETH-PERP","price":"101.25","timestamp":1700000000}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Op != "update_index_price" || cmd.ID != "" {
		t.Errorf("unexpected header %s/%q", cmd.Op, cmd.ID)
	}

	ch := newCore(t, nil)
	if _, err := ingestion.Apply(ch, cmd); err != nil {
		t.Fatalf("apply: %v", err)
	}
	price, err := ch.GetIndexPrice("ETH-PERP")
	if err != nil {
		t.Fatalf("GetIndexPrice: %v", err)
	}
	if price.String() != "101250000000000000000" {
		t.Errorf("expected 101.25, got %s", price)
	}
}

// ============================================================================
// Test: Applying commands
// ============================================================================

func TestApply_Script(t *testing.T) {
	ch := newCore(t, nil)
	for _, raw := range script() {
		mustApply(t, ch, raw)
	}

	mark, err := ch.GetMarkPrice("ETH-PERP")
	if err != nil {
		t.Fatalf("GetMarkPrice: %v", err)
	}
	if mark.Cmp(testutil.Amount("100")) <= 0 {
		t.Errorf("a buy must lift the mark above 100, got %s", mark)
	}
	size, err := ch.GetPositionSize(trader, "ETH-PERP")
	if err != nil {
		t.Fatalf("GetPositionSize: %v", err)
	}
	if size.Sign() <= 0 {
		t.Errorf("expected a long, got %s", size)
	}
	if n, _ := ch.Block(); n != 2 {
		t.Errorf("expected block 2, got %d", n)
	}
}

func TestApply_RegisterMarketSetsPoolPrice(t *testing.T) {
	ch := newCore(t, nil)
	mustApply(t, ch, `{"op":"register_market","market":"ETH-PERP","base_token":"vETH","tick_spacing":60,"price":"100","partial_close_ratio":"0.25"}`)

	mark, err := ch.GetMarkPrice("ETH-PERP")
	if err != nil {
		t.Fatalf("GetMarkPrice: %v", err)
	}
	if mark.Cmp(testutil.Amount("100")) != 0 {
		t.Errorf("expected mark 100, got %s", mark)
	}
	m, err := ch.Market("ETH-PERP")
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if m.Params.PartialCloseRatio != 250_000 {
		t.Errorf("override lost: %d", m.Params.PartialCloseRatio)
	}
	if m.Params.ProtocolFeeRatio != 1_000 {
		t.Errorf("default fee ratio expected, got %d", m.Params.ProtocolFeeRatio)
	}
}

func TestApply_DuplicateCommandID(t *testing.T) {
	ch := newCore(t, nil)
	raw := fmt.Sprintf(`{"id":"dep-1","op":"deposit","trader":"%s","asset":"USDC","amount":"5000000"}`, trader)
	mustApply(t, ch, raw)

	cmd, _ := ingestion.ParseCommand([]byte(raw))
	if _, err := ingestion.Apply(ch, cmd); !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	bal, _ := ch.GetCollateralBalance(trader, "USDC")
	if bal.Cmp(testutil.USDC(5)) != 0 {
		t.Errorf("expected a single deposit of 5, got %s", bal)
	}
}

func TestApply_WithdrawAllReturnsAmount(t *testing.T) {
	ch := newCore(t, nil)
	mustApply(t, ch, fmt.Sprintf(`{"op":"deposit","trader":"%s","asset":"USDC","amount":"7000000"}`, trader))
	res := mustApply(t, ch, fmt.Sprintf(`{"op":"withdraw_all","trader":"%s","asset":"USDC"}`, trader))

	amount, ok := res.(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int, got %T", res)
	}
	if amount.Cmp(testutil.USDC(7)) != 0 {
		t.Errorf("expected 7 USDC native, got %s", amount)
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

type memSource []persistence.EventRow

func (m memSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range m {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func recordScript(t *testing.T) (*core.ClearingHouse, memSource) {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	ch := newCore(t, persist)
	for _, raw := range script() {
		mustApply(t, ch, raw)
	}
	close(persist)

	var rows memSource
	for out := range persist {
		row, _ := persistence.RowsFromOutput(out, ch.Assets())
		rows = append(rows, row)
	}
	return ch, rows
}

func TestReplay_ReachesSameState(t *testing.T) {
	orig, rows := recordScript(t)

	hash := orig.StateHash()
	checkpoint := &persistence.Checkpoint{Sequence: orig.Sequence(), StateHash: hash[:]}

	replica := newCore(t, nil)
	last, err := ingestion.Replay(context.Background(), replica, rows, checkpoint, zerolog.Nop())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if last != orig.Sequence() {
		t.Errorf("replayed through %d, want %d", last, orig.Sequence())
	}
	if replica.StateHash() != hash {
		t.Error("replica hash differs")
	}

	// replayed commands are remembered by the idempotency check
	cmd, _ := ingestion.ParseCommand([]byte(script()[1]))
	if _, err := ingestion.Apply(replica, cmd); !errors.Is(err, core.ErrDuplicateCommand) {
		t.Errorf("expected duplicate after replay, got %v", err)
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	_, rows := recordScript(t)
	rows[2].StateHash = make([]byte, 32)

	_, err := ingestion.Replay(context.Background(), newCore(t, nil), rows, nil, zerolog.Nop())
	if !errors.Is(err, persistence.ErrReplayDiverged) {
		t.Fatalf("expected ErrReplayDiverged, got %v", err)
	}
}

// ============================================================================
// Test: Processor acknowledgements
// ============================================================================

type acks struct{ ack, nak, term int }

func message(kind ingestion.MessageKind, data string, a *acks) ingestion.RawMessage {
	return ingestion.RawMessage{
		Subject: "perp.clearing.cmd.test",
		Kind:    kind,
		Data:    []byte(data),
		Ack:     func() { a.ack++ },
		Nak:     func() { a.nak++ },
		Term:    func() { a.term++ },
	}
}

func TestProcessor_AckSemantics(t *testing.T) {
	ch := newCore(t, nil)
	in := make(chan ingestion.RawMessage, 8)
	durable := persistence.NewWatermark(0)
	p := ingestion.NewProcessor(ch, in, durable, nil, zerolog.Nop())

	var good, dup, rejected, bad, price acks
	deposit := fmt.Sprintf(`{"id":"x","op":"deposit","trader":"%s","asset":"USDC","amount":"1000000"}`, trader)

	// the deposit commits as sequence 1; mark it durable up front
	durable.Advance(2)
	in <- message(ingestion.KindCommand, deposit, &good)
	in <- message(ingestion.KindCommand, deposit, &dup)
	in <- message(ingestion.KindCommand, fmt.Sprintf(`{"op":"withdraw","trader":"%s","asset":"USDC","amount":"9000000"}`, trader), &rejected)
	in <- message(ingestion.KindCommand, `{"op":"nope"}`, &bad)
	in <- message(ingestion.KindPrice, `{"feed":"ETH-PERP","price":"100","timestamp":1700000000}`, &price)
	close(in)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for name, c := range map[string]struct {
		got  acks
		want acks
	}{
		"applied":   {good, acks{ack: 1}},
		"duplicate": {dup, acks{ack: 1}},
		"rejected":  {rejected, acks{ack: 1}},
		"malformed": {bad, acks{term: 1}},
		"price":     {price, acks{ack: 1}},
	} {
		if c.got != c.want {
			t.Errorf("%s: got %+v, want %+v", name, c.got, c.want)
		}
	}
	if ch.Sequence() != 2 {
		t.Errorf("expected deposit and price committed, sequence %d", ch.Sequence())
	}
}

func TestProcessor_WaitsForDurability(t *testing.T) {
	ch := newCore(t, nil)
	in := make(chan ingestion.RawMessage, 1)
	p := ingestion.NewProcessor(ch, in, persistence.NewWatermark(0), nil, zerolog.Nop())

	var a acks
	in <- message(ingestion.KindCommand, fmt.Sprintf(`{"op":"deposit","trader":"%s","asset":"USDC","amount":"1"}`, trader), &a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.ack != 0 {
		t.Error("must not ack before the write is durable")
	}
}

// ============================================================================
// Test: Outbound encoding
// ============================================================================

func TestSubjectAndEncoding(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	ch := newCore(t, persist)
	mustApply(t, ch, fmt.Sprintf(`{"id":"d","op":"deposit","trader":"%s","asset":"USDC","amount":"3000000"}`, trader))
	env := (<-persist).Envelope

	if got := ingestion.Subject("CollateralDeposited", env.MarketID); got != "perp.clearing.events.CollateralDeposited.global" {
		t.Errorf("unexpected subject %s", got)
	}
	market := "ETH-PERP"
	if got := ingestion.Subject("PositionChanged", &market); got != "perp.clearing.events.PositionChanged.ETH-PERP" {
		t.Errorf("unexpected subject %s", got)
	}

	data, err := ingestion.EncodePublished(env, 0, env.Events[0])
	if err != nil {
		t.Fatalf("EncodePublished: %v", err)
	}
	var pub ingestion.PublishedEvent
	if err := json.Unmarshal(data, &pub); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pub.Sequence != 1 || pub.Op != "deposit" || pub.EventType != "CollateralDeposited" || pub.IdempotencyKey != "d" {
		t.Errorf("unexpected header %+v", pub)
	}
	if len(pub.StateHash) != 64 {
		t.Errorf("state hash must be hex, got %q", pub.StateHash)
	}
}

// ============================================================================
// Test: Admin submissions
// ============================================================================

func TestAdminIngest_ReturnsOutcome(t *testing.T) {
	ch := newCore(t, nil)
	in := make(chan ingestion.RawMessage)
	p := ingestion.NewProcessor(ch, in, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	admin := ingestion.NewAdminIngestService(in)
	out, err := admin.Submit(ctx, ingestion.KindCommand,
		[]byte(`{"id":"a1","op":"register_market","market":"ETH-PERP","base_token":"vETH","tick_spacing":60,"price":"100"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Err != nil || out.Sequence != 1 || out.Op != "register_market" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out, err = admin.Submit(ctx, ingestion.KindCommand,
		[]byte(`{"id":"a2","op":"pause_market","market":"BTC-PERP","paused":true}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Err == nil || out.Sequence != 0 {
		t.Errorf("pausing an unknown market must be rejected, got %+v", out)
	}

	out, _ = admin.Submit(ctx, ingestion.KindCommand, []byte(`{"op":"???"}`))
	if !errors.Is(out.Err, ingestion.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", out.Err)
	}
}
