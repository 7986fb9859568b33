package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StreamConfig configures StreamOracle behavior.
type StreamConfig struct {
	// MaxStaleness bounds the age of a cached price.
	MaxStaleness time.Duration
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxStaleness:      15 * time.Second,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

type quote struct {
	price float64
	at    time.Time
}

// StreamOracle keeps a last-price cache fed by a websocket ticker stream.
// Symbols are subscribed lazily on first lookup and resubscribed after reconnect.
type StreamOracle struct {
	endpoint string
	config   StreamConfig
	logger   *zap.Logger
	now      func() time.Time

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	quotes   map[string]quote
	quotesMu sync.RWMutex

	// tracked symbols, resubscribed after reconnect
	tracked   map[string]struct{}
	trackedMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// NewStreamOracle connects to the ticker stream and starts reading.
func NewStreamOracle(ctx context.Context, endpoint string, config *StreamConfig, logger *zap.Logger) (*StreamOracle, error) {
	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &StreamOracle{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		quotes:   make(map[string]quote),
		tracked:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

func (s *StreamOracle) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// Price returns the cached price. An untracked symbol is subscribed and
// ErrNoPrice returned until the first tick arrives.
func (s *StreamOracle) Price(_ context.Context, symbol string) (float64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}

	s.quotesMu.RLock()
	q, ok := s.quotes[symbol]
	s.quotesMu.RUnlock()

	if !ok {
		if err := s.Subscribe(symbol); err != nil {
			s.logger.Debug("stream: subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}

	if age := s.now().Sub(q.at); s.config.MaxStaleness > 0 && age > s.config.MaxStaleness {
		return 0, fmt.Errorf("%s: %w (age %s)", symbol, ErrStalePrice, age)
	}
	return q.price, nil
}

// Subscribe asks the stream for tickers of the given symbols.
func (s *StreamOracle) Subscribe(symbols ...string) error {
	var fresh []string
	s.trackedMu.Lock()
	for _, sym := range symbols {
		if _, ok := s.tracked[sym]; !ok {
			s.tracked[sym] = struct{}{}
			fresh = append(fresh, sym)
		}
	}
	s.trackedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.writeSubscribe(fresh)
}

func (s *StreamOracle) writeSubscribe(symbols []string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(streamRequest{Method: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// Close closes the websocket connection and waits for background loops.
func (s *StreamOracle) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// readLoop reads ticker messages and reconnects with exponential backoff.
func (s *StreamOracle) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			if !s.reconnecting.Swap(true) {
				s.logger.Warn("stream: read failed, reconnecting",
					zap.Error(err),
					zap.Duration("delay", reconnectDelay),
				)
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay

		s.handleMessage(message)
	}
}

func (s *StreamOracle) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		// retried on next read error
		return
	}

	s.trackedMu.Lock()
	symbols := make([]string, 0, len(s.tracked))
	for sym := range s.tracked {
		symbols = append(symbols, sym)
	}
	s.trackedMu.Unlock()

	if len(symbols) > 0 {
		if err := s.writeSubscribe(symbols); err != nil {
			s.logger.Warn("stream: resubscribe failed", zap.Error(err))
		}
	}
}

func (s *StreamOracle) handleMessage(message []byte) {
	var tick streamTicker
	if err := json.Unmarshal(message, &tick); err != nil || tick.Symbol == "" {
		return
	}
	if !tick.Price.IsPositive() {
		return
	}

	at := s.now()
	if tick.TimestampMs > 0 {
		at = time.UnixMilli(tick.TimestampMs)
	}

	s.quotesMu.Lock()
	if prev, ok := s.quotes[tick.Symbol]; !ok || !at.Before(prev.at) {
		s.quotes[tick.Symbol] = quote{price: tick.Price.InexactFloat64(), at: at}
	}
	s.quotesMu.Unlock()
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *StreamOracle) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				// a dead connection is picked up by readLoop
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}

type streamRequest struct {
	Method  string   `json:"method"`
	Symbols []string `json:"symbols"`
}

type streamTicker struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	TimestampMs int64           `json:"ts"`
}
