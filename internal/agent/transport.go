package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/detector"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/realtime"
)

// Handlers receives server-pushed events from the read loop. Nil fields are
// skipped.
type Handlers struct {
	OnViolationNotice func(ev models.ViolationEvent)
	OnStatusChanged   func(p realtime.StatusChangedPayload)
	OnTerminated      func(p realtime.TerminatedPayload)
	OnError           func(message string)
}

// Client is the client half of the realtime transport, shared by the student
// agent and the monitoring view.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Dial connects and upgrades to WebSocket, presenting the credential token.
// serverURL is the http(s) base, e.g. http://localhost:8080.
func Dial(ctx context.Context, serverURL, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) write(msg realtime.WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// Authenticate binds the connection to the registry and waits for the
// server's confirmation. Must be called before any other traffic.
func (c *Client) Authenticate(userID uuid.UUID) error {
	if err := c.write(realtime.Envelope(realtime.EventAuthenticate, realtime.AuthenticatePayload{UserID: userID})); err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg realtime.WSMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read authenticate reply: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	if msg.Event != realtime.EventAuthenticated {
		var p realtime.ErrorPayload
		_ = json.Unmarshal(msg.Data, &p)
		return fmt.Errorf("authenticate rejected: %s", p.Message)
	}
	return nil
}

// JoinRoom joins a multicast room.
func (c *Client) JoinRoom(room string) error {
	return c.write(realtime.Envelope(realtime.EventJoinRoom, realtime.RoomPayload{Room: room}))
}

// LeaveRoom leaves a multicast room.
func (c *Client) LeaveRoom(room string) error {
	return c.write(realtime.Envelope(realtime.EventLeaveRoom, realtime.RoomPayload{Room: room}))
}

// SendViolation reports one detector candidate for the given exam.
func (c *Client) SendViolation(examID uuid.UUID, ev detector.Event) error {
	return c.write(realtime.Envelope(realtime.EventViolation, realtime.ViolationPayload{
		ExamID:    examID,
		Type:      ev.Type,
		Details:   ev.Details,
		Timestamp: ev.At,
	}))
}

// Terminate sends the privileged terminate command.
func (c *Client) Terminate(studentID, examID uuid.UUID) error {
	return c.write(realtime.Envelope(realtime.EventTerminate, models.TerminateCommand{
		StudentID: studentID,
		ExamID:    examID,
	}))
}

// Listen runs the read loop until ctx is cancelled or the connection drops,
// dispatching server events to handlers.
func (c *Client) Listen(ctx context.Context, h Handlers) error {
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		var msg realtime.WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Event {
		case realtime.EventViolationNotice:
			if h.OnViolationNotice != nil {
				var ev models.ViolationEvent
				if json.Unmarshal(msg.Data, &ev) == nil {
					h.OnViolationNotice(ev)
				}
			}
		case realtime.EventStatusChanged:
			if h.OnStatusChanged != nil {
				var p realtime.StatusChangedPayload
				if json.Unmarshal(msg.Data, &p) == nil {
					h.OnStatusChanged(p)
				}
			}
		case realtime.EventTerminated:
			if h.OnTerminated != nil {
				var p realtime.TerminatedPayload
				if json.Unmarshal(msg.Data, &p) == nil {
					h.OnTerminated(p)
				}
			}
		case realtime.EventError:
			if h.OnError != nil {
				var p realtime.ErrorPayload
				if json.Unmarshal(msg.Data, &p) == nil {
					h.OnError(p.Message)
				}
			}
		default:
			c.logger.Debug("unhandled event", zap.String("event", msg.Event))
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
