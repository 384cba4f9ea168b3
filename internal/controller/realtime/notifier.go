// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package realtime relays run lifecycle messages to browser clients over
// websockets.
//
// Clients authenticate once when connecting and then join workspace rooms.
// A room exists while it has members; its first member subscribes the
// notifier to the workspace topic on the broker and its last member
// unsubscribes it. Every notifier instance keeps its own rooms, so the
// broker fan-out is what delivers a message to clients of every instance.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tombee/runrelay/internal/config"
	"github.com/tombee/runrelay/internal/controller/auth"
	"github.com/tombee/runrelay/internal/controller/broker"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/middleware"
	"github.com/tombee/runrelay/internal/log"
)

// ErrClosed is returned for joins after the notifier was closed.
var ErrClosed = errors.New("realtime: notifier closed")

// Verifier validates connection tokens.
type Verifier interface {
	Verify(token string) (*auth.Identity, error)
}

// room is the set of local clients following one workspace.
type room struct {
	workspaceID string
	sub         broker.Subscription
	members     map[*client]struct{}
}

// Notifier is an http.Handler serving the websocket endpoint.
type Notifier struct {
	cfg      config.RealtimeConfig
	broker   broker.Broker
	verifier Verifier
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// ctx bounds the broker subscriptions of all rooms.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a notifier. Zero values in cfg take the defaults of
// config.Default.
func New(cfg config.RealtimeConfig, b broker.Broker, verifier Verifier, logger *slog.Logger) *Notifier {
	def := config.Default().Realtime
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.JoinRate <= 0 {
		cfg.JoinRate = def.JoinRate
	}
	if cfg.JoinBurst <= 0 {
		cfg.JoinBurst = def.JoinBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		broker:   b,
		verifier: verifier,
		logger:   log.WithComponent(log.OrDefault(logger), "realtime"),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]*room),
		clients:  make(map[*client]struct{}),
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     n.checkOrigin,
	}
	return n
}

// checkOrigin admits requests whose Origin matches an allowed pattern.
// Requests without an Origin header are not from browsers and are allowed.
func (n *Notifier) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(n.cfg.AllowedOrigins) == 0 {
		return true
	}
	if middleware.OriginAllowed(origin, n.cfg.AllowedOrigins) {
		return true
	}
	n.logger.Warn("rejected websocket origin", slog.String("origin", origin))
	return false
}

// ServeHTTP authenticates the caller and upgrades the connection.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.ExtractBearerToken(r)
	}
	id, err := n.verifier.Verify(token)
	if err != nil {
		n.logger.Debug("rejected websocket connection", log.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		n.logger.Debug("websocket upgrade failed", log.Error(err))
		return
	}

	c := &client{
		id:       uuid.NewString(),
		identity: id,
		conn:     ws,
		send:     make(chan []byte, n.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(n.cfg.JoinRate), n.cfg.JoinBurst),
		rooms:    make(map[string]struct{}),
		notifier: n,
	}
	c.logger = log.WithConnection(n.logger, c.id).With(slog.String(log.WorkspaceKey, id.WorkspaceID))

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ws.Close()
		return
	}
	n.clients[c] = struct{}{}
	n.wg.Add(2)
	n.mu.Unlock()

	c.logger.Debug("client connected")
	go func() {
		defer n.wg.Done()
		c.writePump()
	}()
	func() {
		defer n.wg.Done()
		c.readPump()
	}()
}

// join adds c to the room of workspaceID, subscribing to the broker if c
// is the first member. The subscribe happens outside n.mu; if another join
// opened the room meanwhile, the extra subscription is closed.
func (n *Notifier) join(c *client, workspaceID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if rm, ok := n.rooms[workspaceID]; ok {
		n.addMemberLocked(rm, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	sub, err := n.broker.Subscribe(n.ctx, events.WorkspaceTopic(workspaceID))
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.Close()
		return ErrClosed
	}
	if _, live := n.clients[c]; !live {
		sub.Close()
		return nil
	}
	rm, ok := n.rooms[workspaceID]
	if ok {
		sub.Close()
	} else {
		rm = &room{workspaceID: workspaceID, sub: sub, members: make(map[*client]struct{})}
		n.rooms[workspaceID] = rm
		go n.relay(rm)
		n.logger.Debug("room opened", slog.String(log.WorkspaceKey, workspaceID))
	}
	n.addMemberLocked(rm, c)
	return nil
}

func (n *Notifier) addMemberLocked(rm *room, c *client) {
	rm.members[c] = struct{}{}
	c.rooms[rm.workspaceID] = struct{}{}
}

// leave removes c from a room, closing the room when it empties.
func (n *Notifier) leave(c *client, workspaceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaveLocked(c, workspaceID)
}

func (n *Notifier) leaveLocked(c *client, workspaceID string) {
	delete(c.rooms, workspaceID)
	rm, ok := n.rooms[workspaceID]
	if !ok {
		return
	}
	delete(rm.members, c)
	if len(rm.members) == 0 {
		delete(n.rooms, workspaceID)
		rm.sub.Close()
		n.logger.Debug("room closed", slog.String(log.WorkspaceKey, workspaceID))
	}
}

// disconnect removes c from every room and from the client set.
func (n *Notifier) disconnect(c *client) {
	n.mu.Lock()
	for ws := range c.rooms {
		n.leaveLocked(c, ws)
	}
	delete(n.clients, c)
	n.mu.Unlock()
	c.close()
}

// relay forwards broker messages of a room to its members.
func (n *Notifier) relay(rm *room) {
	for msg := range rm.sub.C() {
		n.mu.Lock()
		members := make([]*client, 0, len(rm.members))
		for c := range rm.members {
			members = append(members, c)
		}
		n.mu.Unlock()

		for _, c := range members {
			if !c.enqueue(msg) {
				c.logger.Warn("client send buffer full, dropping connection")
				go n.disconnect(c)
			}
		}
	}

	n.mu.Lock()
	current := n.rooms[rm.workspaceID] == rm && !n.closed
	if current {
		delete(n.rooms, rm.workspaceID)
	}
	members := make([]*client, 0, len(rm.members))
	for c := range rm.members {
		delete(c.rooms, rm.workspaceID)
		members = append(members, c)
	}
	n.mu.Unlock()
	if !current {
		return
	}

	// The broker ended the subscription while the room had members.
	n.logger.Warn("room subscription lost",
		slog.String(log.WorkspaceKey, rm.workspaceID),
		log.Error(rm.sub.Err()))
	for _, c := range members {
		c.sendControl(ServerMessage{Type: TypeError, WorkspaceID: rm.workspaceID, Code: CodeRoomLost, Message: "rejoin to keep receiving updates"})
	}
}

// ClientCount returns the number of connected clients.
func (n *Notifier) ClientCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// RoomCount returns the number of rooms with members on this instance.
func (n *Notifier) RoomCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.rooms)
}

// Close disconnects every client and waits for their goroutines, or for ctx.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.rooms = make(map[string]*room)
	clients := make([]*client, 0, len(n.clients))
	for c := range n.clients {
		clients = append(clients, c)
	}
	n.mu.Unlock()

	for _, c := range clients {
		c.sendControl(ServerMessage{Type: TypeError, Code: CodeUnavailable, Message: "server shutting down"})
		c.close()
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// client is one websocket connection.
type client struct {
	id       string
	identity *auth.Identity
	conn     *websocket.Conn
	limiter  *rate.Limiter
	notifier *Notifier
	logger   *slog.Logger

	// rooms is guarded by notifier.mu.
	rooms map[string]struct{}

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue queues msg without blocking. It reports false when the buffer is
// full.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) sendControl(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.logger.Debug("dropped control message", slog.String("type", msg.Type))
	}
}

// close ends the write pump, which closes the connection.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.notifier.disconnect(c)
		_ = c.conn.Close()
		c.logger.Debug("client disconnected")
	}()

	cfg := c.notifier.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", log.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	cfg := c.notifier.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", log.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one client message.
func (c *client) handle(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendControl(ServerMessage{Type: TypeError, Code: CodeInvalidMessage, Message: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case TypeJoin:
		c.handleJoin(msg.WorkspaceID)
	case TypeLeave:
		c.notifier.leave(c, msg.WorkspaceID)
		c.sendControl(ServerMessage{Type: TypeLeft, WorkspaceID: msg.WorkspaceID})
	default:
		c.sendControl(ServerMessage{Type: TypeError, Code: CodeInvalidMessage, Message: "unknown message type: " + msg.Type})
	}
}

func (c *client) handleJoin(workspaceID string) {
	if !c.limiter.Allow() {
		c.sendControl(ServerMessage{Type: TypeError, WorkspaceID: workspaceID, Code: CodeRateLimited, Message: "too many join attempts"})
		return
	}
	if workspaceID == "" || workspaceID != c.identity.WorkspaceID {
		c.logger.Warn("rejected room join", slog.String("requested_workspace", workspaceID))
		c.sendControl(ServerMessage{Type: TypeError, WorkspaceID: workspaceID, Code: CodeForbidden, Message: "not a member of this workspace"})
		return
	}
	if err := c.notifier.join(c, workspaceID); err != nil {
		c.logger.Warn("room join failed", log.Error(err))
		c.sendControl(ServerMessage{Type: TypeError, WorkspaceID: workspaceID, Code: CodeUnavailable, Message: "could not join room"})
		return
	}
	c.sendControl(ServerMessage{Type: TypeJoinAck, WorkspaceID: workspaceID})
}
