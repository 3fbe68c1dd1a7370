package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/invigilo/backend/internal/models"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventAuthenticate    = "authenticate"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventViolation       = "violation"
	EventTerminate       = "terminate"
	EventCameraOffer     = "camera_offer"
	EventCameraSubscribe = "camera_subscribe"
	EventCameraAnswer    = "camera_answer"
	EventCameraICE       = "camera_ice"
)

// Server -> client events.
const (
	EventAuthenticated   = "authenticated"
	EventViolationNotice = "violation_notice"
	EventStatusChanged   = "status_changed"
	EventTerminated      = "terminated"
	EventError           = "error"
)

// AuthenticatePayload binds a connection to a registry identity. The user ID
// must match the handshake token claims.
type AuthenticatePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// AuthenticatedPayload confirms registry binding.
type AuthenticatedPayload struct {
	UserID uuid.UUID   `json:"user_id"`
	Role   models.Role `json:"role"`
}

// RoomPayload names a room for join_room / leave_room.
type RoomPayload struct {
	Room string `json:"room"`
}

// ViolationPayload is a violation candidate reported by a student agent.
// The server stamps the student ID from the authenticated connection.
type ViolationPayload struct {
	ExamID    uuid.UUID            `json:"exam_id"`
	Type      models.ViolationType `json:"type"`
	Details   string               `json:"details,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatusChangedPayload announces a proctoring state change.
type StatusChangedPayload struct {
	StudentID    uuid.UUID               `json:"student_id"`
	ExamID       uuid.UUID               `json:"exam_id"`
	Status       models.ProctoringStatus `json:"status"`
	WarningCount int                     `json:"warning_count"`
}

// TerminatedPayload announces that an attempt was terminated.
type TerminatedPayload struct {
	StudentID uuid.UUID `json:"student_id"`
	ExamID    uuid.UUID `json:"exam_id"`
}

// ErrorPayload carries a non-fatal error back to the sender.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Envelope marshals a payload into a WSMessage. Marshal failure yields an
// empty data field; payloads are fixed shapes so this does not happen in
// practice.
func Envelope(event string, payload interface{}) WSMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{Event: event}
	}
	return WSMessage{Event: event, Data: data}
}
