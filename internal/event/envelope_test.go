package event

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_RoundTripKeepsConcreteTypes(t *testing.T) {
	trader := uuid.New()
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	events := []Event{
		&PositionChanged{
			Trader:       trader,
			Market:       "ETH-PERP",
			Action:       "Trade",
			DeltaBase:    big.NewInt(-5),
			DeltaQuote:   huge,
			Fee:          big.NewInt(1),
			PositionSize: big.NewInt(-5),
			OpenNotional: huge,
			RealizedPnl:  new(big.Int),
			Side:         SideShort,
		},
		&BlockAdvanced{Number: 7, Timestamp: 1_700_000_012},
	}

	payload, err := EncodePayload(events)
	require.NoError(t, err)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	pc, ok := decoded[0].(*PositionChanged)
	require.True(t, ok, "expected *PositionChanged, got %T", decoded[0])
	assert.Equal(t, trader, pc.Trader)
	assert.Equal(t, 0, pc.DeltaQuote.Cmp(huge), "big amounts survive JSON")
	assert.Equal(t, SideShort, pc.Side)
	assert.Equal(t, "ETH-PERP", *pc.MarketID())

	ba, ok := decoded[1].(*BlockAdvanced)
	require.True(t, ok)
	assert.Equal(t, int64(7), ba.Number)
	assert.Nil(t, ba.MarketID())
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload([]byte(`[{"type":"Nope","data":{}}]`))
	assert.ErrorContains(t, err, "unknown event type")
}

func TestSideOf(t *testing.T) {
	assert.Equal(t, SideLong, SideOf(big.NewInt(3)))
	assert.Equal(t, SideShort, SideOf(big.NewInt(-3)))
	assert.Equal(t, SideFlat, SideOf(new(big.Int)))
}
