package marketdata

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/events"
)

func newTestStream() *PriceStream {
	em := events.NewManager(zerolog.Nop())
	return NewPriceStream("wss://example.invalid/markPrice", em, zerolog.Nop())
}

func TestPriceStream_GetMarkPriceMissesBeforeAnyUpdate(t *testing.T) {
	s := newTestStream()
	_, ok := s.GetMarkPrice("BTCUSDT")
	assert.False(t, ok)
}

func TestPriceStream_HandleMessageCachesArrayOfTicks(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.handleMessage([]byte(`[{"s":"BTCUSDT","p":"50123.45"},{"s":"ETHUSDT","p":"3010.1"}]`)))

	btc, ok := s.GetMarkPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 50123.45, btc, 0.001)

	eth, ok := s.GetMarkPrice("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 3010.1, eth, 0.001)
}

func TestPriceStream_HandleMessageCachesSingleObjectTick(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.handleMessage([]byte(`{"s":"BTCUSDT","p":"49999.9"}`)))

	price, ok := s.GetMarkPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 49999.9, price, 0.001)
}

func TestPriceStream_HandleMessageReturnsErrorOnGarbage(t *testing.T) {
	s := newTestStream()
	err := s.handleMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestPriceStream_GetMarkPriceMissesOnceStale(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.handleMessage([]byte(`[{"s":"BTCUSDT","p":"50000"}]`)))
	s.lastUpdate = time.Now().Add(-time.Hour)

	_, ok := s.GetMarkPrice("BTCUSDT")
	assert.False(t, ok)
}

func TestBackoffDelay_CapsAtMaxReconnectDelay(t *testing.T) {
	assert.Equal(t, maxReconnectDelay, backoffDelay(20))
}

func TestBackoffDelay_GrowsWithAttempt(t *testing.T) {
	assert.Less(t, backoffDelay(1), backoffDelay(2))
}
