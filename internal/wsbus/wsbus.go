// Package wsbus implements the gateway's WebSocket message bus: connection
// table, topic subscriptions, a permission predicate, and cross-instance
// fan-out over the shared store's pub/sub.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarm-blackjack/gateway-fabric/internal/auth"
	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

const redisChannelPrefix = "ws:"

var publicTopics = map[string]bool{
	"system":        true,
	"announcements": true,
	"general":       true,
}

// UserContext identifies the authenticated user behind a connection, if any.
type UserContext struct {
	UserID      string
	Roles       []string
	Permissions []string
}

// Message is one frame exchanged over a connection or distributed on a
// topic.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// newMessage stamps a server-initiated frame with a fresh ID and timestamp.
func newMessage(typ, topic string, payload json.RawMessage) Message {
	return Message{ID: uuid.NewString(), Type: typ, Topic: topic, Payload: payload, Timestamp: time.Now()}
}

// Connection wraps one live WebSocket with its subscriptions and identity.
type Connection struct {
	ID   string
	User *UserContext
	conn *websocket.Conn

	mu       sync.Mutex
	lastSeen time.Time
	writeMu  sync.Mutex
}

func (c *Connection) IsAuthenticated() bool { return c.User != nil }

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *Connection) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Bus is the connection/subscription registry plus cross-instance fan-out.
type Bus struct {
	st store.Store

	mu            sync.RWMutex
	connections   map[string]*Connection
	subscriptions map[string]map[string]bool // topic -> set of connection IDs

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Bus. st may be nil, in which case fan-out stays local to
// this process.
func New(st store.Store) *Bus {
	return &Bus{
		st:                st,
		connections:       make(map[string]*Connection),
		subscriptions:     make(map[string]map[string]bool),
		heartbeatInterval: 30 * time.Second,
		heartbeatTimeout:  60 * time.Second,
		stopCh:            make(chan struct{}),
	}
}

// Connect registers a new connection and sends the initial
// connection_established frame.
func (b *Bus) Connect(id string, conn *websocket.Conn, user *UserContext) *Connection {
	c := &Connection{ID: id, User: user, conn: conn, lastSeen: time.Now()}
	b.mu.Lock()
	b.connections[id] = c
	b.mu.Unlock()

	c.send(newMessage("connection_established", "", nil))
	log.Printf("[wsbus] connection established: %s", id)
	return c
}

// Disconnect unsubscribes a connection from every topic and removes it.
func (b *Bus) Disconnect(id string) {
	b.mu.Lock()
	for topic, members := range b.subscriptions {
		delete(members, id)
		if len(members) == 0 {
			delete(b.subscriptions, topic)
		}
	}
	delete(b.connections, id)
	b.mu.Unlock()
	log.Printf("[wsbus] disconnected: %s", id)
}

// checkPermission gates topic subscriptions: public topics are open to
// anyone; everything else requires authentication plus a
// user:<id>/role:<r>/permission:<p> predicate, default deny.
func checkPermission(topic string, user *UserContext) bool {
	if publicTopics[topic] {
		return true
	}
	if user == nil {
		return false
	}
	switch {
	case strings.HasPrefix(topic, "user:"):
		return strings.TrimPrefix(topic, "user:") == user.UserID
	case strings.HasPrefix(topic, "role:"):
		want := strings.TrimPrefix(topic, "role:")
		for _, r := range user.Roles {
			if r == want {
				return true
			}
		}
		return false
	case strings.HasPrefix(topic, "permission:"):
		want := strings.TrimPrefix(topic, "permission:")
		for _, p := range user.Permissions {
			if p == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Subscribe adds a connection to a topic if permitted, sending a
// subscription_confirmed or error frame.
func (b *Bus) Subscribe(conn *Connection, topic string) error {
	if !checkPermission(topic, conn.User) {
		conn.send(newMessage("error", topic, mustJSON(map[string]string{"reason": "forbidden_topic", "topic": topic})))
		return fmt.Errorf("wsbus: subscription to %q forbidden", topic)
	}

	b.mu.Lock()
	members, ok := b.subscriptions[topic]
	if !ok {
		members = make(map[string]bool)
		b.subscriptions[topic] = members
	}
	members[conn.ID] = true
	b.mu.Unlock()

	conn.send(newMessage("subscription_confirmed", topic, nil))
	return nil
}

// Unsubscribe removes a connection from a topic.
func (b *Bus) Unsubscribe(conn *Connection, topic string) {
	b.mu.Lock()
	if members, ok := b.subscriptions[topic]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(b.subscriptions, topic)
		}
	}
	b.mu.Unlock()
	conn.send(newMessage("unsubscription_confirmed", topic, nil))
}

// Publish distributes a message to every local subscriber of topic, and, if
// a shared store is configured, publishes it for other instances too.
func (b *Bus) Publish(ctx context.Context, topic string, data json.RawMessage, senderID string, excludeConnID string) {
	msg := newMessage("topic_message", topic, data)
	msg.SenderID = senderID
	b.distributeLocally(msg, excludeConnID)

	if b.st == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := b.st.Publish(ctx, redisChannelPrefix+topic, string(payload)); err != nil {
		log.Printf("[wsbus] cross-instance publish failed for topic %s: %v", topic, err)
	}
}

func (b *Bus) distributeLocally(msg Message, excludeConnID string) {
	b.mu.RLock()
	members := b.subscriptions[msg.Topic]
	recipients := make([]*Connection, 0, len(members))
	for id := range members {
		if id == excludeConnID {
			continue
		}
		if c, ok := b.connections[id]; ok {
			recipients = append(recipients, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range recipients {
		if err := c.send(msg); err != nil {
			log.Printf("[wsbus] send to %s failed: %v", c.ID, err)
		}
	}
}

// SendToUser delivers a message to every connection authenticated as
// userID.
func (b *Bus) SendToUser(userID string, msg Message) {
	b.mu.RLock()
	var recipients []*Connection
	for _, c := range b.connections {
		if c.User != nil && c.User.UserID == userID {
			recipients = append(recipients, c)
		}
	}
	b.mu.RUnlock()
	for _, c := range recipients {
		c.send(msg)
	}
}

// StartRedisListener subscribes to ws:* and redistributes incoming
// messages locally, skipping messages this instance itself published.
func (b *Bus) StartRedisListener(ctx context.Context, selfInstanceID string) error {
	if b.st == nil {
		return nil
	}
	sub, err := b.st.Subscribe(ctx, redisChannelPrefix+"*")
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case pm, ok := <-sub.Channel():
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(pm.Payload), &msg); err != nil {
					continue
				}
				if msg.SenderID == selfInstanceID {
					continue
				}
				b.distributeLocally(msg, "")
			}
		}
	}()
	return nil
}

// StartHeartbeatLoop periodically sweeps the connection table and drops
// any connection idle past heartbeatTimeout.
func (b *Bus) StartHeartbeatLoop(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.sweepStale()
			}
		}
	}()
}

func (b *Bus) sweepStale() {
	b.mu.RLock()
	var stale []string
	for id, c := range b.connections {
		if c.idleSince() > b.heartbeatTimeout {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[wsbus] dropping stale connection %s (no heartbeat within %s)", id, b.heartbeatTimeout)
		b.Disconnect(id)
	}
}

// Heartbeat records liveness for a connection.
func (b *Bus) Heartbeat(conn *Connection) {
	conn.touch()
}

// inboundFrame is the typed-JSON shape of a client-sent frame:
// authenticate{token}, subscribe{topic}, unsubscribe{topic},
// publish{topic,payload}, heartbeat.
type inboundFrame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServeConn runs one connection's read loop until the socket closes or the
// context is cancelled, dispatching authenticate, subscribe, unsubscribe,
// publish, and heartbeat frames; unknown types get an error frame.
// instanceID is carried as sender_id on cross-instance fan-out so
// StartRedisListener can skip self-originated messages.
func (b *Bus) ServeConn(ctx context.Context, connID string, wsConn *websocket.Conn, authenticator *auth.Authenticator, instanceID string) {
	conn := b.Connect(connID, wsConn, nil)
	defer b.Disconnect(connID)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			wsConn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.send(newMessage("error", "", mustJSON(map[string]string{"reason": "malformed_frame"})))
			continue
		}

		switch frame.Type {
		case "authenticate":
			b.handleAuthenticate(conn, frame, authenticator)
		case "subscribe":
			if !conn.IsAuthenticated() && !publicTopics[frame.Topic] {
				conn.send(newMessage("error", frame.Topic, mustJSON(map[string]string{"reason": "auth_required", "topic": frame.Topic})))
				continue
			}
			b.Subscribe(conn, frame.Topic)
		case "unsubscribe":
			b.Unsubscribe(conn, frame.Topic)
		case "publish":
			if !conn.IsAuthenticated() && !publicTopics[frame.Topic] {
				conn.send(newMessage("error", frame.Topic, mustJSON(map[string]string{"reason": "auth_required", "topic": frame.Topic})))
				continue
			}
			b.Publish(ctx, frame.Topic, frame.Payload, instanceID, connID)
		case "heartbeat":
			b.Heartbeat(conn)
			conn.send(newMessage("heartbeat_ack", "", nil))
		default:
			conn.send(newMessage("error", "", mustJSON(map[string]string{"reason": "unknown_message_type", "type": frame.Type})))
		}
	}
}

// handleAuthenticate verifies the token carried in an "authenticate" frame
// and binds a UserContext to the connection on success.
func (b *Bus) handleAuthenticate(conn *Connection, frame inboundFrame, authenticator *auth.Authenticator) {
	if authenticator == nil {
		conn.send(newMessage("auth_error", "", mustJSON(map[string]string{"reason": "auth_unavailable"})))
		return
	}
	uc, authErr := authenticator.AuthenticateToken(frame.Token)
	if authErr != nil {
		conn.send(newMessage("auth_error", "", mustJSON(map[string]string{"reason": string(authErr.Kind)})))
		return
	}
	conn.mu.Lock()
	conn.User = &UserContext{UserID: uc.UserID, Roles: uc.Roles, Permissions: uc.Permissions}
	conn.mu.Unlock()
	conn.send(newMessage("auth_success", "", mustJSON(map[string]string{"user_id": uc.UserID})))
}

// Stats summarizes the bus for the admin/metrics surface.
type Stats struct {
	Connections int `json:"connections"`
	Topics      int `json:"topics"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Connections: len(b.connections), Topics: len(b.subscriptions)}
}

// Close stops background loops and closes every connection, sending a
// standard close frame first.
func (b *Bus) Close() {
	close(b.stopCh)
	b.mu.Lock()
	ids := make([]string, 0, len(b.connections))
	for id := range b.connections {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.mu.RLock()
		c := b.connections[id]
		b.mu.RUnlock()
		if c != nil {
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gateway shutting down"))
			c.conn.Close()
		}
	}
	b.wg.Wait()
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
