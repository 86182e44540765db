package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionChanged
	EventTypeLiquidityChanged
	EventTypePositionLiquidated
	EventTypeBadDebtSettled
	EventTypeFundingSettled
	EventTypeTokenMinted
	EventTypeTokenBurned
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeMarketRegistered
	EventTypeMarketPaused
	EventTypeIndexPriceUpdated
	EventTypeBlockAdvanced
)

// EventEnvelope wraps the events of one committed call
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Command ID from upstream; empty for direct calls
	IdempotencyKey string

	// Entry point that produced the events (open_position, liquidate, ...)
	Op string

	// Market context (nil for global calls)
	MarketID *string

	// Block clock at commit (NOT wall-clock)
	Block     int64
	Timestamp time.Time

	Events []Event

	// JSON-encoded Events, tagged by type
	Payload []byte

	// Raw command that produced the call; replayed on recovery
	Command []byte

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionChanged:
		return "PositionChanged"
	case EventTypeLiquidityChanged:
		return "LiquidityChanged"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeBadDebtSettled:
		return "BadDebtSettled"
	case EventTypeFundingSettled:
		return "FundingSettled"
	case EventTypeTokenMinted:
		return "TokenMinted"
	case EventTypeTokenBurned:
		return "TokenBurned"
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeMarketRegistered:
		return "MarketRegistered"
	case EventTypeMarketPaused:
		return "MarketPaused"
	case EventTypeIndexPriceUpdated:
		return "IndexPriceUpdated"
	case EventTypeBlockAdvanced:
		return "BlockAdvanced"
	default:
		return "Unknown"
	}
}

type taggedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload renders events as a JSON array of {type, data} objects.
func EncodePayload(events []Event) ([]byte, error) {
	out := make([]taggedEvent, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
		}
		out = append(out, taggedEvent{Type: e.EventType().String(), Data: data})
	}
	return json.Marshal(out)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(payload []byte) ([]Event, error) {
	var tagged []taggedEvent
	if err := json.Unmarshal(payload, &tagged); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	events := make([]Event, 0, len(tagged))
	for _, t := range tagged {
		e := newEvent(t.Type)
		if e == nil {
			return nil, fmt.Errorf("decode payload: unknown event type %q", t.Type)
		}
		if err := json.Unmarshal(t.Data, e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.Type, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func newEvent(typ string) Event {
	switch typ {
	case "PositionChanged":
		return &PositionChanged{}
	case "LiquidityChanged":
		return &LiquidityChanged{}
	case "PositionLiquidated":
		return &PositionLiquidated{}
	case "BadDebtSettled":
		return &BadDebtSettled{}
	case "FundingSettled":
		return &FundingSettled{}
	case "TokenMinted":
		return &TokenMinted{}
	case "TokenBurned":
		return &TokenBurned{}
	case "CollateralDeposited":
		return &CollateralDeposited{}
	case "CollateralWithdrawn":
		return &CollateralWithdrawn{}
	case "MarketRegistered":
		return &MarketRegistered{}
	case "MarketPaused":
		return &MarketPaused{}
	case "IndexPriceUpdated":
		return &IndexPriceUpdated{}
	case "BlockAdvanced":
		return &BlockAdvanced{}
	default:
		return nil
	}
}

func marketRef(m string) *string {
	return &m
}
