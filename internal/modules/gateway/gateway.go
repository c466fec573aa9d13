// Package gateway is the operator realtime channel: a socket.io endpoint
// the console connects to for queue, presence, and assignment events.
// Broadcasts fan out over Redis so every cluster instance delivers to its
// own connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	pkgredis "github.com/echodesk/core/internal/pkg/redis"
)

const (
	namespaceAdmin = "/admin"
	redisChanAdmin = "ed:gateway:admin"

	redisKeyMaxOnline   = "ed:gateway:max_online"
	redisKeyOnlineTotal = "ed:gateway:online_total"
)

// Events pushed to connected operators.
const (
	EventGatewayConnect = "GATEWAY_CONNECT"
	EventAuthFailed     = "AUTH_FAILED"
	EventQueueUpdated   = "QUEUE_UPDATED"
	EventVisitorOnline  = "VISITOR_ONLINE"
	EventVisitorOffline = "VISITOR_OFFLINE"
	EventAssignmentMade = "ASSIGNMENT_MADE"
	EventSessionClosed  = "SESSION_CLOSED"
	EventInboxMessage   = "INBOX_MESSAGE"
)

// Identity is the resolved handshake of a connecting operator.
type Identity struct {
	StaffID   string
	ProjectID string
	Role      string
}

// TokenValidator resolves a handshake token to an operator identity.
type TokenValidator func(token string) (Identity, bool)

// Message is the envelope used by hub broadcasts and Redis fan-out. An
// empty Room reaches every connected operator; otherwise only the named
// project room.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Code    *int        `json:"code,omitempty"`
	Room    string      `json:"room,omitempty"`
}

type gatewayPayload struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Code *int        `json:"code,omitempty"`
}

type clientMeta struct {
	sid     string
	project string
}

// ProjectRoom names the socket.io room carrying one project's events.
func ProjectRoom(projectID string) string { return "project:" + projectID }

// Hub manages the admin namespace and cluster fan-out.
type Hub struct {
	mu sync.RWMutex

	sidProject   map[string]string
	projectCount map[string]int

	broadcast  chan Message
	register   chan clientMeta
	unregister chan clientMeta

	rc        *pkgredis.Client
	logger    *zap.Logger
	sio       *socketio.Server
	validator TokenValidator
}

func NewHub(rc *pkgredis.Client, logger *zap.Logger, validator TokenValidator) *Hub {
	sio := socketio.NewServer(nil, nil)
	h := &Hub{
		sidProject:   make(map[string]string),
		projectCount: make(map[string]int),
		broadcast:    make(chan Message, 256),
		register:     make(chan clientMeta, 256),
		unregister:   make(chan clientMeta, 256),
		rc:           rc,
		logger:       logger,
		sio:          sio,
		validator:    validator,
	}
	h.registerNamespace()
	return h
}

// Run starts the hub loop and Redis subscriber.
func (h *Hub) Run(ctx context.Context) {
	if h.rc != nil {
		go h.subscribeRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.sio.Close(nil)
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case msg := <-h.broadcast:
			h.deliver(msg)

			if h.rc != nil {
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := h.rc.Publish(ctx, redisChanAdmin, string(data)); err != nil && h.logger != nil {
					h.logger.Warn("gateway publish failed", zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) registerClient(c clientMeta) {
	h.mu.Lock()
	if old, ok := h.sidProject[c.sid]; ok {
		if old == c.project {
			h.mu.Unlock()
			return
		}
		if h.projectCount[old] > 0 {
			h.projectCount[old]--
		}
	}
	h.sidProject[c.sid] = c.project
	h.projectCount[c.project]++
	online := len(h.sidProject)
	h.mu.Unlock()

	h.trackOnlinePeak(online)
}

func (h *Hub) unregisterClient(c clientMeta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	project, ok := h.sidProject[c.sid]
	if !ok {
		return
	}
	delete(h.sidProject, c.sid)
	if h.projectCount[project] > 0 {
		h.projectCount[project]--
	}
}

// trackOnlinePeak keeps a per-day high-water mark and connect counter in
// Redis for the stats endpoint.
func (h *Hub) trackOnlinePeak(online int) {
	if h.rc == nil || online < 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dateKey := time.Now().Format("2006-01-02")

	peak := 0
	current, err := h.rc.Raw().HGet(ctx, redisKeyMaxOnline, dateKey).Result()
	switch {
	case err == nil:
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(current)); parseErr == nil {
			peak = parsed
		}
	case err == redis.Nil:
		// first connection today
	default:
		if h.logger != nil {
			h.logger.Warn("gateway get online peak failed", zap.Error(err))
		}
	}

	if online > peak {
		if err := h.rc.Raw().HSet(ctx, redisKeyMaxOnline, dateKey, online).Err(); err != nil && h.logger != nil {
			h.logger.Warn("gateway set online peak failed", zap.Error(err))
		}
	}
	if err := h.rc.Raw().HIncrBy(ctx, redisKeyOnlineTotal, dateKey, 1).Err(); err != nil && h.logger != nil {
		h.logger.Warn("gateway incr online total failed", zap.Error(err))
	}
}

func (h *Hub) gatewayMessageFormat(event string, payload interface{}, code *int) gatewayPayload {
	return gatewayPayload{Type: event, Data: payload, Code: code}
}

func (h *Hub) deliver(msg Message) {
	ns := h.sio.Of(namespaceAdmin, nil)
	body := h.gatewayMessageFormat(msg.Event, msg.Payload, msg.Code)
	if msg.Room == "" {
		ns.Emit("message", body)
		return
	}
	ns.To(socketio.Room(msg.Room)).Emit("message", body)
}

// subscribeRedis listens for broadcasts from other server instances.
func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.rc.Subscribe(ctx, redisChanAdmin)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			h.deliver(msg)
		}
	}
}

// Broadcast sends an event to the given room (all operators if room="").
func (h *Hub) Broadcast(event string, payload interface{}, room string) {
	h.broadcast <- Message{Event: event, Payload: payload, Room: room}
}

// BroadcastAdmin sends to every connected operator.
func (h *Hub) BroadcastAdmin(event string, payload interface{}) {
	h.Broadcast(event, payload, "")
}

// BroadcastProject sends to operators of one project only.
func (h *Hub) BroadcastProject(projectID, event string, payload interface{}) {
	h.Broadcast(event, payload, ProjectRoom(projectID))
}

// ClientCount returns connected operators, optionally for one project.
func (h *Hub) ClientCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if projectID == "" {
		return len(h.sidProject)
	}
	return h.projectCount[ProjectRoom(projectID)]
}

// ProjectCounts snapshots per-project connection counts.
func (h *Hub) ProjectCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.projectCount))
	for room, n := range h.projectCount {
		if n <= 0 {
			continue
		}
		out[strings.TrimPrefix(room, "project:")] = n
	}
	return out
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}
