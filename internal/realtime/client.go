package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	readLimit     = 65536
	sendBuffer    = 256
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator resolves a credential token to an identity and role.
type TokenValidator func(token string) (uuid.UUID, models.Role, error)

// MessageHandler consumes violation events and terminate commands from
// authenticated connections.
type MessageHandler interface {
	HandleViolation(ev models.ViolationEvent)
	HandleTerminate(cmd models.TerminateCommand, from uuid.UUID, role models.Role)
}

// Client represents a single WebSocket connection. The connection is bound to
// the registry only after the client sends an explicit authenticate message
// matching its handshake token.
type Client struct {
	ID     string
	UserID uuid.UUID
	Role   models.Role

	registry      *Registry
	handler       MessageHandler
	sfu           *SFU
	conn          *websocket.Conn
	send          chan WSMessage
	authenticated bool
	logger        *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. A missing
// or invalid token rejects the handshake before upgrade; the connection never
// enters the registry.
func ServeWs(registry *Registry, handler MessageHandler, sfu *SFU, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		userID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			UserID:   userID,
			Role:     role,
			registry: registry,
			handler:  handler,
			sfu:      sfu,
			conn:     conn,
			send:     make(chan WSMessage, sendBuffer),
			logger:   logger,
		}
		go client.writePump()
		client.readPump()
	}
}

// Send queues a message for delivery. Returns false when the buffer is full;
// the message is dropped rather than blocking the caller.
func (c *Client) Send(msg WSMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close closes the underlying connection, which unwinds both pumps.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		if c.sfu != nil {
			c.sfu.UnregisterClient(c.ID)
		}
		if c.authenticated {
			c.registry.Unregister(c.UserID, c)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(msg)
	}
}

// dispatch routes one inbound message. A malformed message is answered with
// an error event and dropped; it never ends the read loop.
func (c *Client) dispatch(msg WSMessage) {
	switch msg.Event {
	case EventAuthenticate:
		var p AuthenticatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.UserID != c.UserID {
			c.sendError("authenticate: identity does not match token")
			return
		}
		c.registry.Register(c.UserID, c.Role, c)
		c.authenticated = true
		c.Send(Envelope(EventAuthenticated, AuthenticatedPayload{UserID: c.UserID, Role: c.Role}))

	case EventJoinRoom:
		var p RoomPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.Room == "" {
			c.sendError("join_room: room required")
			return
		}
		if !c.requireAuth() {
			return
		}
		if err := c.registry.JoinRoom(c.UserID, p.Room); err != nil {
			c.sendError("join_room: " + err.Error())
		}

	case EventLeaveRoom:
		var p RoomPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.Room == "" {
			c.sendError("leave_room: room required")
			return
		}
		if !c.requireAuth() {
			return
		}
		_ = c.registry.LeaveRoom(c.UserID, p.Room)

	case EventViolation:
		if !c.requireAuth() {
			return
		}
		if c.Role != models.RoleStudent {
			c.sendError("violation: only students report violations")
			return
		}
		var p ViolationPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || !p.Type.Valid() || p.ExamID == uuid.Nil {
			c.sendError("violation: malformed payload")
			return
		}
		ts := p.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		c.handler.HandleViolation(models.ViolationEvent{
			StudentID: c.UserID,
			ExamID:    p.ExamID,
			Type:      p.Type,
			Details:   p.Details,
			Timestamp: ts,
		})

	case EventTerminate:
		if !c.requireAuth() {
			return
		}
		var p models.TerminateCommand
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.StudentID == uuid.Nil || p.ExamID == uuid.Nil {
			c.sendError("terminate: malformed payload")
			return
		}
		c.handler.HandleTerminate(p, c.UserID, c.Role)

	case EventCameraOffer, EventCameraSubscribe, EventCameraAnswer, EventCameraICE:
		if c.requireAuth() {
			c.dispatchCamera(msg)
		}

	default:
		c.logger.Debug("unknown event ignored", zap.String("event", msg.Event))
	}
}

// dispatchCamera routes webcam relay signaling to the SFU.
func (c *Client) dispatchCamera(msg WSMessage) {
	if c.sfu == nil {
		c.sendError("camera relay disabled")
		return
	}
	sendToMe := func(event string, payload interface{}) {
		c.Send(Envelope(event, payload))
	}

	switch msg.Event {
	case EventCameraOffer:
		if c.Role != models.RoleStudent {
			return
		}
		var p struct {
			ExamID uuid.UUID `json:"exam_id"`
			Type   string    `json:"type"`
			SDP    string    `json:"sdp"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.SDP == "" || p.ExamID == uuid.Nil {
			return
		}
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
		_ = c.sfu.HandlePublisherOffer(models.ExamRoom(p.ExamID), c.UserID, c.ID, sdp, sendToMe)

	case EventCameraSubscribe:
		if !c.Role.CanProctor() {
			c.sendError("camera_subscribe: proctor role required")
			return
		}
		var p struct {
			ExamID    uuid.UUID `json:"exam_id"`
			StudentID uuid.UUID `json:"student_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ExamID == uuid.Nil || p.StudentID == uuid.Nil {
			return
		}
		_ = c.sfu.HandleSubscribe(models.ExamRoom(p.ExamID), p.StudentID, c.ID, sendToMe)

	case EventCameraAnswer:
		var p struct {
			ExamID uuid.UUID `json:"exam_id"`
			Type   string    `json:"type"`
			SDP    string    `json:"sdp"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.SDP == "" {
			return
		}
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
		_ = c.sfu.HandleSubscriberAnswer(models.ExamRoom(p.ExamID), c.ID, sdp)

	case EventCameraICE:
		var p struct {
			ExamID    uuid.UUID       `json:"exam_id"`
			Target    string          `json:"target"`
			Candidate json.RawMessage `json:"candidate"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || len(p.Candidate) == 0 {
			return
		}
		var cand webrtc.ICECandidateInit
		if json.Unmarshal(p.Candidate, &cand) != nil {
			return
		}
		room := models.ExamRoom(p.ExamID)
		if p.Target == "publisher" {
			_ = c.sfu.HandlePublisherICE(room, c.UserID, cand)
		} else {
			_ = c.sfu.HandleSubscriberICE(room, c.ID, cand)
		}
	}
}

func (c *Client) requireAuth() bool {
	if !c.authenticated {
		c.sendError("authenticate first")
		return false
	}
	return true
}

func (c *Client) sendError(message string) {
	c.Send(Envelope(EventError, ErrorPayload{Message: message}))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
