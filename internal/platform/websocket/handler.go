package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// routed is the part of a notification-socket frame the relay reads.
type routed struct {
	Type      string `json:"type"`
	PatientID string `json:"patient_id"`
}

// Handler serves the relay's websocket and push endpoints.
type Handler struct {
	hub       *Hub
	publisher Publisher
	upgrader  gorillawebsocket.Upgrader
	logger    zerolog.Logger
}

// NewHandler binds the relay endpoints to hub. Notification frames go
// through publisher so they reach subscribers on every instance. An empty
// origins list accepts any Origin header.
func NewHandler(hub *Hub, publisher Publisher, origins []string, logger zerolog.Logger) *Handler {
	if publisher == nil {
		publisher = hub
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub:       hub,
		publisher: publisher,
		logger:    logger.With().Str("component", "relay").Logger(),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterRoutes mounts the socket endpoints on ws and the push API on api.
func (h *Handler) RegisterRoutes(ws *echo.Group, api *echo.Group) {
	ws.GET("/notifications/:identity", h.HandleNotifications)
	ws.GET("/call/:room/:identity", h.HandleCall)
	api.POST("/notify/:identity", h.HandleNotify)
	api.GET("/relay/stats", h.HandleStats)
}

// authorize rejects a path identity that differs from the authenticated
// one. Without an authenticated identity the path is trusted.
func authorize(c echo.Context, identity string) error {
	if identity == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identity is required")
	}
	if id, ok := auth.IdentityFromContext(c.Request().Context()); ok && id.ID != identity {
		return echo.NewHTTPError(http.StatusForbidden, "identity does not match token")
	}
	return nil
}

// HandleNotifications upgrades the identity's notification socket.
// Inbound frames carrying patient_id are routed to that identity.
func (h *Handler) HandleNotifications(c echo.Context) error {
	identity := c.Param("identity")
	if err := authorize(c, identity); err != nil {
		return err
	}
	return h.serve(c, identity, NotificationTopic(identity), h.routeNotification)
}

// HandleCall upgrades a call room socket. Inbound frames go to the other
// room members.
func (h *Handler) HandleCall(c echo.Context) error {
	identity := c.Param("identity")
	if err := authorize(c, identity); err != nil {
		return err
	}
	room := c.Param("room")
	if room == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room is required")
	}
	return h.serve(c, identity, CallTopic(room), func(client *Client, data []byte) {
		h.hub.Relay(client, data)
	})
}

func (h *Handler) serve(c echo.Context, identity, topic string, onMessage func(*Client, []byte)) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.New().String(),
		Identity: identity,
		Topic:    topic,
		Send:     make(chan []byte, sendBuffer),
	}
	h.hub.Register(client)
	h.logger.Info().Str("identity", identity).Str("topic", topic).Str("client", client.ID).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws, onMessage)
	return nil
}

func (h *Handler) routeNotification(client *Client, data []byte) {
	var msg routed
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug().Err(err).Str("identity", client.Identity).Msg("malformed notification frame")
		return
	}
	if msg.PatientID == "" {
		h.logger.Debug().Str("type", msg.Type).Str("identity", client.Identity).Msg("unroutable notification frame")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	env := Envelope{Topic: NotificationTopic(msg.PatientID), Data: json.RawMessage(data)}
	if err := h.publisher.Publish(ctx, env); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("notification publish failed")
	}
}

// readPump feeds inbound frames to onMessage until the socket closes.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn, onMessage func(*Client, []byte)) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Info().Str("identity", client.Identity).Str("topic", client.Topic).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if messageType != gorillawebsocket.TextMessage {
			continue
		}
		onMessage(client, message)
	}
}

// writePump drains client.Send and keeps the connection alive with pings.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleNotify pushes a JSON message to identity's notification socket. It
// is how the portal backend delivers GENERAL_NOTIFICATION frames.
func (h *Handler) HandleNotify(c echo.Context) error {
	identity := c.Param("identity")
	if identity == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identity is required")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if len(body) > maxMessageSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message too large")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message must be a JSON object with a type")
	}

	env := Envelope{Topic: NotificationTopic(identity), Data: json.RawMessage(body)}
	if err := h.publisher.Publish(c.Request().Context(), env); err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("push failed")
		return echo.NewHTTPError(http.StatusBadGateway, "push failed")
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"identity": identity,
		"type":     head.Type,
		"online":   h.hub.TopicCount(NotificationTopic(identity)) > 0,
	})
}

// HandleStats reports hub occupancy.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.hub.Stats())
}
