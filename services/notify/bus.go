// Package notify is the typed per-user event bus. Connections register
// explicitly, may subscribe to topics, and failures on one connection only
// ever remove that connection.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
)

// Event names on the wire.
const (
	EventBalanceUpdate       = "balance_update"
	EventBotUpdate           = "bot_update"
	EventBotCreated          = "bot_created"
	EventBotDeleted          = "bot_deleted"
	EventBotUpdated          = "bot_updated"
	EventOperationUpdate     = "operation_update"
	EventPriceUpdate         = "price_update"
	EventSignalNew           = "signal_new"
	EventSignalUpdate        = "signal_update"
	EventTelegramTradeNew    = "telegram_trade_new"
	EventTelegramTradeUpdate = "telegram_trade_update"
)

// Conn is what the bus needs from a client connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const textMessage = websocket.TextMessage

type Bus struct {
	mu     sync.RWMutex
	users  map[string]map[Conn]struct{}
	topics map[string]map[Conn]struct{}
	owners map[Conn]string
	log    *logrus.Entry
}

func NewBus() *Bus {
	return &Bus{
		users:  make(map[string]map[Conn]struct{}),
		topics: make(map[string]map[Conn]struct{}),
		owners: make(map[Conn]string),
		log:    logrus.WithField("component", "notify_bus"),
	}
}

func (b *Bus) Connect(conn Conn, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users[userID] == nil {
		b.users[userID] = make(map[Conn]struct{})
	}
	b.users[userID][conn] = struct{}{}
	b.owners[conn] = userID
	b.log.WithFields(logrus.Fields{"user": userID, "connections": len(b.users[userID])}).Info("🔌 Client connected")
}

func (b *Bus) Disconnect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(conn)
}

func (b *Bus) removeLocked(conn Conn) {
	userID, ok := b.owners[conn]
	if ok {
		delete(b.owners, conn)
		if set := b.users[userID]; set != nil {
			delete(set, conn)
			if len(set) == 0 {
				delete(b.users, userID)
			}
		}
	}
	for topic, set := range b.topics {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *Bus) Subscribe(conn Conn, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[Conn]struct{})
	}
	b.topics[topic][conn] = struct{}{}
}

func (b *Bus) Unsubscribe(conn Conn, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.topics[topic]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *Bus) UserConnected(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID]) > 0
}

// envelope wraps every outbound message; datetimes inside payloads are
// expected to already be RFC3339 UTC strings.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: data})
}

// EmitToUser is best effort: a failing connection is dropped, the rest are
// untouched, and the bus never blocks on one slow client.
func (b *Bus) EmitToUser(userID, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		b.log.WithError(err).WithField("event", event).Error("failed encoding event")
		return
	}

	b.mu.RLock()
	conns := make([]Conn, 0, len(b.users[userID]))
	for conn := range b.users[userID] {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(textMessage, payload); err != nil {
			b.log.WithError(err).WithField("user", userID).Warn("dropping dead connection")
			b.mu.Lock()
			b.removeLocked(conn)
			b.mu.Unlock()
		}
	}
}

func (b *Bus) EmitToTopic(topic, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		b.log.WithError(err).WithField("event", event).Error("failed encoding event")
		return
	}

	b.mu.RLock()
	conns := make([]Conn, 0, len(b.topics[topic]))
	for conn := range b.topics[topic] {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(textMessage, payload); err != nil {
			b.mu.Lock()
			b.removeLocked(conn)
			b.mu.Unlock()
		}
	}
}

func (b *Bus) Broadcast(event string, data any) {
	b.mu.RLock()
	users := make([]string, 0, len(b.users))
	for userID := range b.users {
		users = append(users, userID)
	}
	b.mu.RUnlock()

	for _, userID := range users {
		b.EmitToUser(userID, event, data)
	}
}

// Topic helpers.

func BotTopic(botID string) string { return "bot:" + botID }

func PriceTopic(exchangeID string, mt market.Type, symbol string) string {
	return fmt.Sprintf("price:%s:%s:%s", strings.ToLower(exchangeID), mt.Canonical(), symbol)
}

// Inbound subscription protocol: {"action": "...", ...}.
type inboundMessage struct {
	Action string `json:"action"`
	BotID  string `json:"botId"`
	Items  []struct {
		ExchangeID string `json:"exchangeId"`
		MarketType string `json:"marketType"`
		Symbol     string `json:"symbol"`
	} `json:"items"`
}

// HandleInbound processes one client protocol message. Unknown actions are
// ignored; PING answers PONG on the same connection.
func (b *Bus) HandleInbound(conn Conn, raw []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("invalid subscription message: %w", err)
	}

	switch msg.Action {
	case "SUBSCRIBE_BOT":
		if msg.BotID != "" {
			b.Subscribe(conn, BotTopic(msg.BotID))
		}
	case "UNSUBSCRIBE_BOT":
		if msg.BotID != "" {
			b.Unsubscribe(conn, BotTopic(msg.BotID))
		}
	case "PRICES_SUBSCRIBE":
		for _, item := range msg.Items {
			b.Subscribe(conn, PriceTopic(item.ExchangeID, market.Type(item.MarketType), item.Symbol))
		}
	case "PING":
		payload, _ := encode("PONG", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
		return conn.WriteMessage(textMessage, payload)
	}
	return nil
}
