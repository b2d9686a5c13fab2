// Package marketdata maintains a live mark-price cache fed by an exchange
// WebSocket stream, so the position supervisor's per-tick trailing-stop and
// DCA evaluation can avoid a REST round trip per position when a fresh
// price is already cached.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/signalmirror/internal/events"
)

const (
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 2 * time.Minute

	// staleThreshold marks cached prices unusable once the stream has gone
	// this long without an update; callers fall back to a REST fetch.
	staleThreshold = 30 * time.Second
)

// markPriceTick is the subset of a Binance markPriceUpdate stream message
// this cache needs.
type markPriceTick struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// PriceStream connects to an exchange's combined mark-price WebSocket
// stream and maintains a thread-safe cache of the latest price per symbol,
// reconnecting with exponential backoff on disconnect.
type PriceStream struct {
	url string
	em  *events.Manager
	log zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	stopped    bool
	stopChan   chan struct{}

	cacheMu    sync.RWMutex
	cache      map[string]float64
	lastUpdate time.Time
}

// NewPriceStream builds a PriceStream that will dial url once Start is called.
func NewPriceStream(url string, em *events.Manager, log zerolog.Logger) *PriceStream {
	return &PriceStream{
		url:      url,
		em:       em,
		log:      log.With().Str("component", "mark_price_stream").Logger(),
		cache:    make(map[string]float64),
		stopChan: make(chan struct{}),
	}
}

// Start dials the stream and begins the background read loop, retrying
// with backoff in the background if the initial dial fails.
func (s *PriceStream) Start() {
	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("initial mark price stream connection failed, retrying in background")
		go s.reconnectLoop()
		return
	}
	go s.readLoop()
}

// Stop closes the stream and halts reconnection attempts.
func (s *PriceStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (s *PriceStream) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial mark price stream: %w", err)
	}
	s.conn = conn
	s.connected = true
	return nil
}

func (s *PriceStream) readLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			s.connected = false
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.log.Warn().Err(err).Msg("mark price stream read failed, reconnecting")
				go s.reconnectLoop()
			}
			return
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Debug().Err(err).Msg("failed to handle mark price message")
		}
	}
}

func (s *PriceStream) handleMessage(message []byte) error {
	var ticks []markPriceTick
	if err := json.Unmarshal(message, &ticks); err != nil {
		// Binance's combined stream wraps a single update as one object
		// rather than an array; fall back to that shape.
		var single markPriceTick
		if err2 := json.Unmarshal(message, &single); err2 != nil {
			return fmt.Errorf("failed to parse mark price message: %w", err)
		}
		ticks = []markPriceTick{single}
	}

	s.cacheMu.Lock()
	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		price, err := parsePrice(t.MarkPrice)
		if err != nil {
			continue
		}
		s.cache[t.Symbol] = price
	}
	s.lastUpdate = time.Now()
	s.cacheMu.Unlock()
	return nil
}

func parsePrice(s string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite price")
	}
	return f, nil
}

func (s *PriceStream) reconnectLoop() {
	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		attempt++
		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("mark price stream reconnect failed")
			continue
		}
		s.log.Info().Int("attempt", attempt).Msg("mark price stream reconnected")
		go s.readLoop()
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		return maxReconnectDelay
	}
	return time.Duration(delay)
}

// GetMarkPrice returns the cached price for symbol and true, or false if no
// price has been cached yet or the cache has gone stale.
func (s *PriceStream) GetMarkPrice(symbol string) (float64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.lastUpdate.IsZero() || time.Since(s.lastUpdate) > staleThreshold {
		return 0, false
	}
	price, ok := s.cache[symbol]
	return price, ok
}

// IsConnected reports whether the stream currently holds a live connection.
func (s *PriceStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
