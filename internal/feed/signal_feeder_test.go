package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func TestSignalRoundTrip(t *testing.T) {
	signals := []domain.Signal{
		domain.DriftSignal{
			Platform: domain.Platform("alpha"),
			Asset:    "USDT",
			Tracked:  decimal.RequireFromString("1000"),
			Observed: decimal.RequireFromString("999"),
			Diff:     decimal.RequireFromString("-1"),
			At:       time.Now().UTC().Truncate(time.Millisecond),
		},
		domain.UnknownRemoteOrderSignal{
			Platform:        domain.Platform("alpha"),
			PlatformOrderID: "gw-7",
			Remaining:       decimal.RequireFromString("2.5"),
		},
		domain.LostOperationSignal{
			Platform:    domain.Platform("alpha"),
			OperationID: "op-1",
			Misses:      3,
		},
	}

	for _, sig := range signals {
		payload, err := EncodeSignal(sig)
		require.NoError(t, err)

		decoded, err := DecodeSignal(payload)
		require.NoError(t, err)
		assert.Equal(t, sig.SignalType(), decoded.SignalType())
	}
}

func TestDecodeSignalRejectsUnknownType(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"type":"mystery","data":{}}`))
	require.Error(t, err)

	_, err = DecodeSignal([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeSignalPreservesFields(t *testing.T) {
	payload, err := EncodeSignal(domain.DriftSignal{
		Platform: domain.Platform("alpha"),
		Asset:    "BTC",
		Tracked:  decimal.RequireFromString("2"),
		Observed: decimal.RequireFromString("2.00000005"),
		Diff:     decimal.RequireFromString("0.00000005"),
	})
	require.NoError(t, err)

	decoded, err := DecodeSignal(payload)
	require.NoError(t, err)
	drift, ok := decoded.(domain.DriftSignal)
	require.True(t, ok)
	assert.Equal(t, "BTC", drift.Asset)
	assert.True(t, drift.Diff.Equal(decimal.RequireFromString("0.00000005")))
}
