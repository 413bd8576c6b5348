// Package ws streams swap events and resolver notices from the signal bus
// to websocket clients.
//
// Clients pick topics with {"action":"subscribe","topics":[...]}:
//
//	swaps          every swap event
//	order:<id>     events for one order; subscribing replays its history
//	resolvers      every resolver notice
//	resolver:<id>  notices addressed to one resolver
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit bounds the history sent when a client subscribes to an order.
	replayLimit = 500
)

// Topic names.
const (
	TopicSwaps     = "swaps"
	TopicResolvers = "resolvers"
	orderPrefix    = "order:"
	resolverPrefix = "resolver:"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame is what clients receive.
type Frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type controlMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// message is a bus payload with the topics it may be delivered under, most
// specific first.
type message struct {
	topics []string
	data   []byte
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	incoming chan message
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      bus,
		logger:   logger.With(slog.String("component", "ws")),
		clients:  make(map[*client]struct{}),
		incoming: make(chan message, 256),
	}
}

// Run subscribes to the swap and resolver channels and dispatches until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	swaps, err := h.bus.Subscribe(ctx, domain.ChannelSwaps)
	if err != nil {
		return err
	}
	notices, err := h.bus.Subscribe(ctx, domain.ChannelResolvers)
	if err != nil {
		return err
	}
	h.logger.Info("ws hub running")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case data, ok := <-swaps:
			if !ok {
				swaps = nil
				continue
			}
			h.dispatch(message{topics: swapTopics(data), data: data})
		case data, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			h.dispatch(message{topics: noticeTopics(data), data: data})
		}
	}
}

func swapTopics(data []byte) []string {
	var ev struct {
		OrderID string `json:"order_id"`
	}
	if json.Unmarshal(data, &ev) == nil && ev.OrderID != "" {
		return []string{orderPrefix + ev.OrderID, TopicSwaps}
	}
	return []string{TopicSwaps}
}

func noticeTopics(data []byte) []string {
	var n struct {
		ResolverID string `json:"resolver_id"`
	}
	if json.Unmarshal(data, &n) == nil && n.ResolverID != "" {
		return []string{resolverPrefix + n.ResolverID, TopicResolvers}
	}
	return []string{TopicResolvers}
}

func (h *Hub) dispatch(m message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		topic, ok := c.match(m.topics)
		if !ok {
			continue
		}
		if !c.enqueue(Frame{Topic: topic, Data: m.data}) {
			h.logger.Warn("dropping frame for slow client", slog.String("topic", topic))
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the connection. Topics may also be given up front as
// ?topics=a,b.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]struct{}),
	}
	h.add(c)

	go c.writePump()
	if q := r.URL.Query().Get("topics"); q != "" {
		c.subscribe(context.Background(), strings.Split(q, ","))
	}
	go c.readPump()
}

// replay sends an order's stored events to one client.
func (h *Hub) replay(ctx context.Context, c *client, orderID string) {
	msgs, err := h.bus.StreamRead(ctx, domain.SwapStreamPrefix+orderID, "0", replayLimit)
	if err != nil {
		h.logger.Warn("replay failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		c.enqueue(Frame{Topic: orderPrefix + orderID, Data: m.Payload})
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.RWMutex
	topics map[string]struct{}
	send   chan []byte
	closed bool
}

func (c *client) match(topics []string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			return t, true
		}
	}
	return "", false
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue never blocks; a full buffer drops the frame.
func (c *client) enqueue(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) subscribe(ctx context.Context, topics []string) {
	var replays []string
	c.mu.Lock()
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if !validTopic(t) {
			continue
		}
		if _, ok := c.topics[t]; ok {
			continue
		}
		c.topics[t] = struct{}{}
		if id, ok := strings.CutPrefix(t, orderPrefix); ok {
			replays = append(replays, id)
		}
	}
	c.mu.Unlock()

	for _, id := range replays {
		c.hub.replay(ctx, c, id)
	}
}

func (c *client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, strings.TrimSpace(t))
	}
}

func validTopic(t string) bool {
	switch {
	case t == TopicSwaps, t == TopicResolvers:
		return true
	case strings.HasPrefix(t, orderPrefix):
		return len(t) > len(orderPrefix)
	case strings.HasPrefix(t, resolverPrefix):
		return len(t) > len(resolverPrefix)
	}
	return false
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(context.Background(), msg.Topics)
		case "unsubscribe":
			c.unsubscribe(msg.Topics)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
