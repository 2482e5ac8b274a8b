package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET MIDPRICE CACHE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams the CLOB market channel and keeps the latest midpoint per token.
// The REST price source consults this cache first and only falls back to the
// /midpoint endpoint when the cached quote is missing or stale.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second

	// A cached quote older than this no longer counts as a price
	quoteMaxAge = 10 * time.Second
)

type quote struct {
	mid decimal.Decimal
	at  time.Time
}

// WSCache maintains a live midpoint cache over the CLOB websocket
type WSCache struct {
	mu sync.RWMutex

	// The connection allows one concurrent writer; subscribe calls and
	// pings both go through writeMu.
	writeMu sync.Mutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// Token IDs we want streamed
	watched map[string]bool

	// Latest midpoint per token ID
	quotes map[string]quote
}

// NewWSCache creates the cache. Call Start to connect.
func NewWSCache(wsURL string) *WSCache {
	return &WSCache{
		wsURL:   wsURL,
		stopCh:  make(chan struct{}),
		watched: make(map[string]bool),
		quotes:  make(map[string]quote),
	}
}

// Start connects and begins streaming
func (c *WSCache) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.connectionLoop()
	log.Info().Msg("📡 Price stream started")
}

// Stop closes the connection
func (c *WSCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	c.running = false
	close(c.stopCh)

	if c.conn != nil {
		c.conn.Close()
	}

	log.Info().Msg("Price stream stopped")
}

// Watch adds a token to the stream subscription
func (c *WSCache) Watch(tokenID string) {
	c.mu.Lock()
	if c.watched[tokenID] {
		c.mu.Unlock()
		return
	}
	c.watched[tokenID] = true
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if connected && conn != nil {
		c.subscribe(conn, []string{tokenID})
	}
}

// Mid returns the cached midpoint for a token, if fresh
func (c *WSCache) Mid(tokenID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[tokenID]
	if !ok || time.Since(q.at) > quoteMaxAge {
		return decimal.Zero, false
	}
	return q.mid, true
}

// connectionLoop maintains the WebSocket connection. Each connection gets
// its own ping goroutine, torn down with the connection.
func (c *WSCache) connectionLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			log.Warn().Err(err).Msg("Price stream connect failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		connDone := make(chan struct{})
		go c.pingLoop(conn, connDone)
		c.readLoop(conn)
		close(connDone)
		conn.Close()

		time.Sleep(reconnectDelay)
	}
}

// connect dials and re-subscribes to every watched token
func (c *WSCache) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	tokens := make([]string, 0, len(c.watched))
	for id := range c.watched {
		tokens = append(tokens, id)
	}
	c.mu.Unlock()

	log.Info().Int("tokens", len(tokens)).Msg("🔌 Price stream connected")

	if len(tokens) > 0 {
		c.subscribe(conn, tokens)
	}
	return conn, nil
}

func (c *WSCache) subscribe(conn *websocket.Conn, tokens []string) {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokens,
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Price stream subscribe failed")
	}
}

// pingLoop keeps one connection alive until it is torn down
func (c *WSCache) pingLoop(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (c *WSCache) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Warn().Err(err).Msg("Price stream read error")
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return
		}

		c.processMessage(message)
	}
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsMessage struct {
	EventType string    `json:"event_type"`
	Asset     string    `json:"asset_id"`
	Price     string    `json:"price"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
}

func (c *WSCache) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			c.handleBook(msg)
		case "price_change", "last_trade_price":
			c.handlePrice(msg)
		}
	}
}

// handleBook computes the midpoint from the book snapshot
func (c *WSCache) handleBook(msg wsMessage) {
	bid, okBid := bestLevel(msg.Bids, true)
	ask, okAsk := bestLevel(msg.Asks, false)
	if !okBid || !okAsk {
		return
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	c.store(msg.Asset, mid)
}

func (c *WSCache) handlePrice(msg wsMessage) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	c.store(msg.Asset, price)
}

func (c *WSCache) store(tokenID string, mid decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watched[tokenID] {
		return
	}
	c.quotes[tokenID] = quote{mid: mid, at: time.Now()}
}

// bestLevel finds the highest bid or lowest ask
func bestLevel(levels []wsLevel, highest bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		if !found || (highest && p.GreaterThan(best)) || (!highest && p.LessThan(best)) {
			best = p
			found = true
		}
	}
	return best, found
}
