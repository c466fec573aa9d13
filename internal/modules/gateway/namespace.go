package gateway

import (
	"strings"

	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// registerNamespace wires the /admin namespace. Connections must carry a
// valid staff token in the handshake; authenticated sockets are joined to
// their project room and counted for stats.
func (h *Hub) registerNamespace() {
	adminNS := h.sio.Of(namespaceAdmin, nil)
	_ = adminNS.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		token := normalizeToken(extractToken(client))
		identity, authed := Identity{}, false
		if token != "" && h.validator != nil {
			identity, authed = h.validator(token)
		}
		if !authed {
			_ = client.Emit("message", h.gatewayMessageFormat(EventAuthFailed, "auth failed", nil))
			client.Disconnect(true)
			return
		}

		sid := string(client.Id())
		room := ProjectRoom(identity.ProjectID)
		client.Join(socketio.Room(room))
		h.register <- clientMeta{sid: sid, project: room}

		if h.logger != nil {
			h.logger.Debug("operator connected",
				zap.String("staff_id", identity.StaffID),
				zap.String("project_id", identity.ProjectID))
		}
		_ = client.Emit("message", h.gatewayMessageFormat(EventGatewayConnect, "WebSocket connected", nil))

		_ = client.On("disconnect", func(_ ...any) {
			h.unregister <- clientMeta{sid: sid, project: room}
		})
	})
}

func extractToken(client *socketio.Socket) string {
	handshake := client.Handshake()
	if handshake == nil {
		return ""
	}
	if token := firstValueFromMultiMap(handshake.Query, "token"); token != "" {
		return token
	}
	if token := firstValueFromMultiMap(handshake.Headers, "authorization"); token != "" {
		return token
	}
	return ""
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	if len(values) == 0 {
		return ""
	}
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		v := strings.TrimSpace(list[0])
		if v != "" {
			return v
		}
	}
	return ""
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
