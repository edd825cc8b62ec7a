// Package adapters provides concrete executor.ExchangeAdapter
// implementations. PaperAdapter is grounded on the teacher's
// internal/execution/adapters/binance.go (gorilla/websocket dial,
// rate limiter, fill simulation), adapted to the binary-outcome domain:
// prices clamped to [0,1] instead of an unbounded USD spot exchange, and
// fills driven by a mock WebSocket price feed rather than a live venue —
// used as the exchange adapter's dry-run/paper market-data feed in
// integration tests per spec.md's external-adapter boundary.
package adapters

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// PriceTick is one mock market-data message: a token's best bid/ask.
type PriceTick struct {
	TokenID string          `json:"token_id"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
}

// PaperFeedServer runs a minimal gorilla/websocket server that
// broadcasts PriceTick messages pushed via Publish, standing in for a
// live exchange's market-data stream in integration tests.
type PaperFeedServer struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewPaperFeedServer builds a feed server; mount Handler at an
// httptest.Server path.
func NewPaperFeedServer(logger *zap.Logger) *PaperFeedServer {
	return &PaperFeedServer{
		logger:  logger.Named("paper_feed"),
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 512,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades incoming connections and registers them for broadcast.
func (s *PaperFeedServer) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("paper feed upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
}

// Publish broadcasts a tick to every connected client, pruning any
// connection that errors on write.
func (s *PaperFeedServer) Publish(tick PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(tick); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// Close closes every connected client.
func (s *PaperFeedServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
}

// PaperAdapter is a dry-run executor.ExchangeAdapter. Submissions always
// fill at the requested limit price; best bid/ask are served from a
// price book a test can seed directly or keep fed from a PaperFeedServer
// subscription.
type PaperAdapter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	book  map[string]PriceTick
	seq   int
}

// NewPaperAdapter builds an empty paper adapter.
func NewPaperAdapter(logger *zap.Logger) *PaperAdapter {
	return &PaperAdapter{logger: logger.Named("paper_adapter"), book: make(map[string]PriceTick)}
}

// SeedPrice sets a token's best bid/ask directly (bypassing the WS feed,
// useful for deterministic unit tests).
func (p *PaperAdapter) SeedPrice(tokenID string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.book[tokenID] = PriceTick{TokenID: tokenID, Bid: bid, Ask: ask}
}

// SubscribeFeed dials a PaperFeedServer (or any compatible WS endpoint)
// and updates the price book from incoming ticks until ctx is cancelled.
func (p *PaperAdapter) SubscribeFeed(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("paper adapter: dial feed: %w", err)
	}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var tick PriceTick
			if err := conn.ReadJSON(&tick); err != nil {
				p.logger.Debug("paper feed read ended", zap.Error(err))
				return
			}
			p.mu.Lock()
			p.book[tick.TokenID] = tick
			p.mu.Unlock()
		}
	}()
	return nil
}

func (p *PaperAdapter) Name() string   { return "paper" }
func (p *PaperAdapter) IsDryRun() bool { return true }

func (p *PaperAdapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("paper-%d-%d", time.Now().UnixNano(), p.seq)
	p.mu.Unlock()
	return id, nil
}

func (p *PaperAdapter) GetOrder(ctx context.Context, orderID string) (domain.ExecutionResult, error) {
	return domain.ExecutionResult{OrderID: orderID, Status: domain.OrderStatusFilled}, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (p *PaperAdapter) GetBestPrices(ctx context.Context, tokenID string) (*decimal.Decimal, *decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tick, ok := p.book[tokenID]
	if !ok {
		return nil, nil, nil
	}
	bid, ask := tick.Bid, tick.Ask
	return &bid, &ask, nil
}
