package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// EventHandler receives each streamed event.
type EventHandler func(Event)

// DisconnectHandler is invoked once per connection when the stream drops.
type DisconnectHandler func(error)

// StreamClient subscribes to live Flow events over the access node's
// WebSocket streaming API. It does not reconnect by itself; the indexer
// owns the reconnection policy.
type StreamClient struct {
	wsURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	subs   int

	handlerMu    sync.RWMutex
	onEvent      EventHandler
	onDisconnect DisconnectHandler

	disconnectOnce sync.Once
}

// NewStreamClient creates a client for the given streaming endpoint, e.g.
// "wss://rest-testnet.onflow.org/v1/ws".
func NewStreamClient(wsURL string) *StreamClient {
	return &StreamClient{wsURL: wsURL}
}

// OnEvent registers the handler invoked for every streamed event.
func (s *StreamClient) OnEvent(h EventHandler) {
	s.handlerMu.Lock()
	s.onEvent = h
	s.handlerMu.Unlock()
}

// OnDisconnect registers the handler invoked when the connection drops.
func (s *StreamClient) OnDisconnect(h DisconnectHandler) {
	s.handlerMu.Lock()
	s.onDisconnect = h
	s.handlerMu.Unlock()
}

// Connect dials the streaming endpoint and starts the read and ping loops.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("flow/stream: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("flow/stream: connect: %w", err)
	}

	s.conn = conn
	s.subs = 0
	s.disconnectOnce = sync.Once{}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop(conn)
	go s.pingLoop(conn)

	return nil
}

// subscribeRequest is the streaming API subscribe message.
type subscribeRequest struct {
	SubscriptionID string         `json:"subscription_id"`
	Action         string         `json:"action"`
	Topic          string         `json:"topic"`
	Arguments      map[string]any `json:"arguments"`
}

// Subscribe opens one events-topic subscription for the given event types.
func (s *StreamClient) Subscribe(ctx context.Context, eventTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("flow/stream: not connected")
	}

	req := subscribeRequest{
		SubscriptionID: uuid.NewString(),
		Action:         "subscribe",
		Topic:          "events",
		Arguments: map[string]any{
			"event_types": eventTypes,
		},
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("flow/stream: subscribe: %w", err)
	}
	s.subs++
	return nil
}

// SubscriptionCount returns the number of open subscriptions on the current
// connection.
func (s *StreamClient) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

// streamMessage is one message from the events topic.
type streamMessage struct {
	Topic string `json:"topic"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Payload struct {
		BlockHeight    string    `json:"block_height"`
		BlockTimestamp time.Time `json:"block_timestamp"`
		Events         []struct {
			Type    string `json:"type"`
			Payload string `json:"payload"`
		} `json:"events"`
	} `json:"payload"`
}

func (s *StreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dispatchDisconnect(fmt.Errorf("flow/stream: read: %w", err))
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Not fatal; skip frames we do not understand.
			continue
		}
		if msg.Error != nil {
			s.dispatchDisconnect(fmt.Errorf("flow/stream: server error %d: %s", msg.Error.Code, msg.Error.Message))
			return
		}
		if msg.Topic != "events" {
			continue
		}

		height, err := strconv.ParseUint(msg.Payload.BlockHeight, 10, 64)
		if err != nil {
			continue
		}
		ts := msg.Payload.BlockTimestamp.UnixMilli()

		s.handlerMu.RLock()
		handler := s.onEvent
		s.handlerMu.RUnlock()
		if handler == nil {
			continue
		}

		for _, raw := range msg.Payload.Events {
			flat, err := DecodePayload(raw.Payload)
			if err != nil {
				// Malformed payloads are the handler's concern only when
				// decodable; skip what we cannot even decode.
				continue
			}
			handler(Event{
				Type:      raw.Type,
				Height:    height,
				Timestamp: ts,
				Data:      flat,
			})
		}
	}
}

func (s *StreamClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (s *StreamClient) dispatchDisconnect(err error) {
	s.disconnectOnce.Do(func() {
		s.handlerMu.RLock()
		handler := s.onDisconnect
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(err)
		}
	})
}

// Close tears down the connection. Subsequent Connect calls fail.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.subs = 0
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// Disconnect closes the current connection but allows a later Connect.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs = 0
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
