package rules

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testPair = domain.TradingPair{
	Platform: "testex",
	Base:     "BTC",
	Quote:    "USDT",
	Symbol:   "BTCUSDT",
}

func baseOp() domain.Operation {
	return domain.Operation{
		Platform: "testex",
		Pair:     testPair,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: dec("1"),
		Price:    dec("100"),
	}
}

func TestValidateWithoutRulePasses(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Validate(baseOp()))
}

func TestValidateBasicShape(t *testing.T) {
	e := NewEngine()

	op := baseOp()
	op.Quantity = decimal.Zero
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))

	op = baseOp()
	op.Price = decimal.Zero
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))

	op = baseOp()
	op.Side = "hold"
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))
}

func TestValidateAgainstRule(t *testing.T) {
	e := NewEngine()
	e.SetRule(Rule{
		Pair:              testPair,
		MinOrderSize:      dec("0.01"),
		MaxOrderSize:      dec("100"),
		MinPriceIncrement: dec("0.5"),
		MinNotional:       dec("10"),
		SupportsLimit:     true,
		SupportsMarket:    false,
		Live:              true,
	})

	require.NoError(t, e.Validate(baseOp()))

	op := baseOp()
	op.Quantity = dec("0.001")
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))

	op = baseOp()
	op.Quantity = dec("500")
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))

	op = baseOp()
	op.Price = dec("100.3")
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation))

	op = baseOp()
	op.Quantity = dec("0.05")
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation), "notional below minimum")

	op = baseOp()
	op.Type = domain.OrderTypeMarket
	require.True(t, errors.Is(e.Validate(op), domain.ErrValidation), "market orders disabled")
}

func TestValidateNotLive(t *testing.T) {
	e := NewEngine()
	e.SetRule(Rule{Pair: testPair, SupportsLimit: true, Live: false})

	require.True(t, errors.Is(e.Validate(baseOp()), domain.ErrValidation))
}
