package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/retry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBNET PRICE FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams the subnet alpha price over the gateway WebSocket and keeps the
// latest tick cached for O(1) reads. When the stream is down or stale the
// feed falls back to an HTTP snapshot, so a hanging socket never blocks a
// decision loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	staleAfter     = 30 * time.Second
)

// ErrUnavailable is returned when no price can be obtained at all.
var ErrUnavailable = retry.Transient(fmt.Errorf("feeds: price unavailable"))

// SubnetFeed provides the current alpha price for one subnet.
type SubnetFeed struct {
	mu sync.RWMutex

	wsURL   string
	httpURL string
	netuid  int

	running bool
	stopCh  chan struct{}

	lastPrice decimal.Decimal
	lastTick  time.Time

	httpClient *http.Client
}

// NewSubnetFeed creates a feed for the given subnet.
func NewSubnetFeed(wsURL, httpURL string, netuid int) *SubnetFeed {
	return &SubnetFeed{
		wsURL:      wsURL,
		httpURL:    httpURL,
		netuid:     netuid,
		stopCh:     make(chan struct{}),
		lastPrice:  decimal.Zero,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start begins the WebSocket stream. Safe to call with an empty wsURL, in
// which case every read goes through the HTTP snapshot.
func (f *SubnetFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	if f.wsURL != "" {
		go f.streamLoop()
		log.Info().Str("url", f.wsURL).Int("netuid", f.netuid).Msg("📈 Subnet price stream started")
	}
}

// Stop stops the feed.
func (f *SubnetFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

// LastPrice returns the cached price without any network call. Zero when no
// tick has arrived yet.
func (f *SubnetFeed) LastPrice() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice
}

// GetPrice returns a current price: the cached tick when fresh, an HTTP
// snapshot otherwise.
func (f *SubnetFeed) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	f.mu.RLock()
	price, at := f.lastPrice, f.lastTick
	f.mu.RUnlock()

	if !price.IsZero() && time.Since(at) < staleAfter {
		return price, nil
	}
	return f.fetchSnapshot(ctx)
}

func (f *SubnetFeed) fetchSnapshot(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/price?netuid=%d", f.httpURL, f.netuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, retry.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, retry.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, retry.Transient(fmt.Errorf("price snapshot HTTP %d", resp.StatusCode))
	}

	var result struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, retry.Transient(fmt.Errorf("parse price snapshot: %w", err))
	}
	if result.Price.IsZero() {
		return decimal.Zero, ErrUnavailable
	}

	f.record(result.Price)
	return result.Price, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET STREAM
// ═══════════════════════════════════════════════════════════════════════════════

type tickMsg struct {
	Netuid int             `json:"netuid"`
	Price  decimal.Decimal `json:"price"`
}

func (f *SubnetFeed) streamLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.streamOnce(); err != nil {
			log.Warn().Err(err).Msg("Price stream disconnected, reconnecting")
		}

		select {
		case <-time.After(reconnectDelay):
		case <-f.stopCh:
			return
		}
	}
}

func (f *SubnetFeed) streamOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "netuid": f.netuid}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// Keepalive pings
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteMessage(websocket.PingMessage, nil)
			case <-done:
				return
			case <-f.stopCh:
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		var msg tickMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Netuid != f.netuid || msg.Price.IsZero() {
			continue
		}
		f.record(msg.Price)
	}
}

func (f *SubnetFeed) record(price decimal.Decimal) {
	f.mu.Lock()
	f.lastPrice = price
	f.lastTick = time.Now()
	f.mu.Unlock()
}
