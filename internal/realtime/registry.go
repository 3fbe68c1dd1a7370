package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

// ErrNotRegistered is returned when a room operation references an identity
// with no active connection.
var ErrNotRegistered = errors.New("identity not registered")

// Conn is the minimal connection surface the registry needs. Send must not
// block; it reports whether the message was accepted.
type Conn interface {
	Send(msg WSMessage) bool
	Close() error
}

// PresenceHandler is called after an identity joins or leaves a room.
type PresenceHandler func(identity uuid.UUID, role models.Role, room string, joined bool)

// RoomRelay propagates room broadcasts across server instances, preserving
// the role filter of the original broadcast. A nil relay keeps the registry
// single-instance.
type RoomRelay interface {
	PublishRoomEvent(origin, room, event string, payload []byte, roles []models.Role) error
	SubscribeRoom(room string, handler func(origin, event string, payload []byte, roles []models.Role)) (cancel func(), err error)
}

type entry struct {
	conn  Conn
	role  models.Role
	rooms map[string]struct{}
}

// Registry is the process-wide mapping from authenticated identity to its
// active connection and room memberships. A single identity holds at most one
// connection; registering again replaces the previous one. All mutation is
// serialized behind one mutex.
type Registry struct {
	mu         sync.RWMutex
	instanceID string
	conns      map[uuid.UUID]*entry
	rooms      map[string]map[uuid.UUID]*entry
	subs       map[string]func() // per-room relay subscription cancel
	relay      RoomRelay
	onPresence PresenceHandler
	logger     *zap.Logger
}

// NewRegistry creates a connection registry. relay may be nil.
func NewRegistry(logger *zap.Logger, relay RoomRelay) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		instanceID: uuid.New().String(),
		conns:      make(map[uuid.UUID]*entry),
		rooms:      make(map[string]map[uuid.UUID]*entry),
		subs:       make(map[string]func()),
		relay:      relay,
		logger:     logger,
	}
}

// SetPresenceHandler sets the callback invoked on room join/leave.
func (r *Registry) SetPresenceHandler(fn PresenceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPresence = fn
}

// Register binds an identity to a connection, replacing any previous
// connection for the same identity. The replaced connection is closed
// asynchronously so a slow close cannot stall registration.
func (r *Registry) Register(identity uuid.UUID, role models.Role, conn Conn) {
	r.mu.Lock()
	if old, ok := r.conns[identity]; ok {
		r.detachLocked(identity, old)
		go func(c Conn) { _ = c.Close() }(old.conn)
	}
	r.conns[identity] = &entry{conn: conn, role: role, rooms: make(map[string]struct{})}
	r.mu.Unlock()
	r.logger.Debug("connection registered",
		zap.String("identity", identity.String()), zap.String("role", string(role)))
}

// Unregister removes an identity's connection and its membership in every
// room it had joined. The conn argument guards against a stale connection
// evicting its replacement: only the currently registered connection is
// removed. Safe to call more than once.
func (r *Registry) Unregister(identity uuid.UUID, conn Conn) {
	r.mu.Lock()
	e, ok := r.conns[identity]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return
	}
	left := r.detachLocked(identity, e)
	onPresence := r.onPresence
	role := e.role
	r.mu.Unlock()

	if onPresence != nil {
		for _, room := range left {
			onPresence(identity, role, room, false)
		}
	}
	r.logger.Debug("connection unregistered", zap.String("identity", identity.String()))
}

// detachLocked removes the entry from conns and every room map, returning the
// rooms it had joined. Caller holds the write lock.
func (r *Registry) detachLocked(identity uuid.UUID, e *entry) []string {
	delete(r.conns, identity)
	left := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		left = append(left, room)
		if members, ok := r.rooms[room]; ok {
			delete(members, identity)
			if len(members) == 0 {
				r.dropRoomLocked(room)
			}
		}
	}
	return left
}

func (r *Registry) dropRoomLocked(room string) {
	delete(r.rooms, room)
	if cancel, ok := r.subs[room]; ok {
		cancel()
		delete(r.subs, room)
	}
}

// JoinRoom adds the identity's connection to a room. The first member of a
// room starts the cross-instance relay subscription for it.
func (r *Registry) JoinRoom(identity uuid.UUID, room string) error {
	r.mu.Lock()
	e, ok := r.conns[identity]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	if _, already := e.rooms[room]; already {
		r.mu.Unlock()
		return nil
	}
	e.rooms[room] = struct{}{}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[uuid.UUID]*entry)
		if r.relay != nil {
			cancel, err := r.relay.SubscribeRoom(room, func(origin, event string, payload []byte, roles []models.Role) {
				if origin == r.instanceID {
					return // our own publish, already delivered locally
				}
				r.broadcastLocal(room, WSMessage{Event: event, Data: json.RawMessage(payload)}, roles)
			})
			if err != nil {
				r.logger.Warn("room relay subscribe failed", zap.String("room", room), zap.Error(err))
			} else {
				r.subs[room] = cancel
			}
		}
	}
	r.rooms[room][identity] = e
	onPresence := r.onPresence
	role := e.role
	r.mu.Unlock()

	if onPresence != nil {
		onPresence(identity, role, room, true)
	}
	return nil
}

// LeaveRoom removes the identity's connection from a room.
func (r *Registry) LeaveRoom(identity uuid.UUID, room string) error {
	r.mu.Lock()
	e, ok := r.conns[identity]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	if _, member := e.rooms[room]; !member {
		r.mu.Unlock()
		return nil
	}
	delete(e.rooms, room)
	if members, ok := r.rooms[room]; ok {
		delete(members, identity)
		if len(members) == 0 {
			r.dropRoomLocked(room)
		}
	}
	onPresence := r.onPresence
	role := e.role
	r.mu.Unlock()

	if onPresence != nil {
		onPresence(identity, role, room, false)
	}
	return nil
}

// Lookup returns the connection and role for an identity.
func (r *Registry) Lookup(identity uuid.UUID) (Conn, models.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[identity]
	if !ok {
		return nil, "", false
	}
	return e.conn, e.role, true
}

// MembersOf returns the identities currently joined to a room, optionally
// filtered to the given roles.
func (r *Registry) MembersOf(room string, roles ...models.Role) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]uuid.UUID, 0, len(members))
	for id, e := range members {
		if len(roles) > 0 && !roleIn(e.role, roles) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// IsMember reports whether the identity is currently joined to the room.
func (r *Registry) IsMember(room string, identity uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, member := members[identity]
	return member
}

// SendTo delivers a message to one identity's connection. Delivery to an
// absent or saturated connection is dropped and logged, never surfaced to the
// sender.
func (r *Registry) SendTo(identity uuid.UUID, event string, payload interface{}) bool {
	r.mu.RLock()
	e, ok := r.conns[identity]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("send to absent identity dropped",
			zap.String("identity", identity.String()), zap.String("event", event))
		return false
	}
	if !e.conn.Send(Envelope(event, payload)) {
		r.logger.Warn("send buffer full, message dropped",
			zap.String("identity", identity.String()), zap.String("event", event))
		return false
	}
	return true
}

// BroadcastRoom delivers a message to every connection joined to the room,
// optionally filtered to the given roles, and relays it to other instances.
func (r *Registry) BroadcastRoom(room, event string, payload interface{}, roles ...models.Role) {
	msg := Envelope(event, payload)
	r.broadcastLocal(room, msg, roles)
	if r.relay != nil {
		if err := r.relay.PublishRoomEvent(r.instanceID, room, event, msg.Data, roles); err != nil {
			r.logger.Warn("room relay publish failed", zap.String("room", room), zap.Error(err))
		}
	}
}

func (r *Registry) broadcastLocal(room string, msg WSMessage, roles []models.Role) {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]Conn, 0, len(members))
	for _, e := range members {
		if len(roles) > 0 && !roleIn(e.role, roles) {
			continue
		}
		targets = append(targets, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(msg) {
			r.logger.Warn("room broadcast dropped for saturated connection",
				zap.String("room", room), zap.String("event", msg.Event))
		}
	}
}

// BroadcastAll delivers a message to every registered connection.
func (r *Registry) BroadcastAll(event string, payload interface{}) {
	msg := Envelope(event, payload)
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = c.Send(msg)
	}
}

func roleIn(role models.Role, roles []models.Role) bool {
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}
