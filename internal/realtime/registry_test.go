package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/invigilo/backend/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []WSMessage
	closed bool
	full   bool
}

func (c *fakeConn) Send(msg WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegisterReplacesConnection(t *testing.T) {
	r := NewRegistry(nil, nil)
	id := uuid.New()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register(id, models.RoleStudent, first)
	r.Register(id, models.RoleStudent, second)

	// Old connection is closed asynchronously.
	deadline := time.Now().Add(time.Second)
	for !first.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("replaced connection never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, _, ok := r.Lookup(id)
	if !ok || conn != second {
		t.Fatalf("lookup returned wrong connection after replacement")
	}
}

func TestUnregisterIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry(nil, nil)
	id := uuid.New()
	stale := &fakeConn{}
	current := &fakeConn{}

	r.Register(id, models.RoleStudent, stale)
	r.Register(id, models.RoleStudent, current)

	// The stale connection's read pump exits late and unregisters; it must
	// not evict the replacement.
	r.Unregister(id, stale)
	if _, _, ok := r.Lookup(id); !ok {
		t.Fatalf("stale unregister evicted current connection")
	}

	r.Unregister(id, current)
	if _, _, ok := r.Lookup(id); ok {
		t.Fatalf("identity still registered after unregister")
	}
}

func TestUnregisterLeavesRooms(t *testing.T) {
	r := NewRegistry(nil, nil)
	id := uuid.New()
	conn := &fakeConn{}
	r.Register(id, models.RoleStudent, conn)

	room := "exam:" + uuid.New().String()
	if err := r.JoinRoom(id, room); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !r.IsMember(room, id) {
		t.Fatalf("not a member after join")
	}

	r.Unregister(id, conn)
	if r.IsMember(room, id) {
		t.Fatalf("still a member after unregister")
	}
	if got := r.MembersOf(room); len(got) != 0 {
		t.Fatalf("room has %d members after last one left, want 0", len(got))
	}
}

func TestJoinRoomRequiresRegistration(t *testing.T) {
	r := NewRegistry(nil, nil)
	if err := r.JoinRoom(uuid.New(), "exam:x"); err != ErrNotRegistered {
		t.Fatalf("join without registration: err = %v, want ErrNotRegistered", err)
	}
}

func TestBroadcastRoomRoleFilter(t *testing.T) {
	r := NewRegistry(nil, nil)
	room := "exam:" + uuid.New().String()

	student, faculty, admin := uuid.New(), uuid.New(), uuid.New()
	studentConn, facultyConn, adminConn := &fakeConn{}, &fakeConn{}, &fakeConn{}

	r.Register(student, models.RoleStudent, studentConn)
	r.Register(faculty, models.RoleFaculty, facultyConn)
	r.Register(admin, models.RoleAdmin, adminConn)
	for _, id := range []uuid.UUID{student, faculty, admin} {
		if err := r.JoinRoom(id, room); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	r.BroadcastRoom(room, EventViolationNotice, nil, models.RoleFaculty, models.RoleAdmin)

	if len(studentConn.received()) != 0 {
		t.Errorf("student received proctor-only broadcast")
	}
	if len(facultyConn.received()) != 1 {
		t.Errorf("faculty received %d messages, want 1", len(facultyConn.received()))
	}
	if len(adminConn.received()) != 1 {
		t.Errorf("admin received %d messages, want 1", len(adminConn.received()))
	}

	// Unfiltered broadcast reaches everyone.
	r.BroadcastRoom(room, EventStatusChanged, nil)
	if len(studentConn.received()) != 1 {
		t.Errorf("student missed unfiltered broadcast")
	}
}

func TestMembersOfRoleFilter(t *testing.T) {
	r := NewRegistry(nil, nil)
	room := "exam:" + uuid.New().String()

	student, faculty := uuid.New(), uuid.New()
	r.Register(student, models.RoleStudent, &fakeConn{})
	r.Register(faculty, models.RoleFaculty, &fakeConn{})
	_ = r.JoinRoom(student, room)
	_ = r.JoinRoom(faculty, room)

	students := r.MembersOf(room, models.RoleStudent)
	if len(students) != 1 || students[0] != student {
		t.Fatalf("MembersOf(student) = %v, want [%s]", students, student)
	}
	if all := r.MembersOf(room); len(all) != 2 {
		t.Fatalf("MembersOf() = %d members, want 2", len(all))
	}
}

func TestSendToSaturatedConnection(t *testing.T) {
	r := NewRegistry(nil, nil)
	id := uuid.New()
	conn := &fakeConn{full: true}
	r.Register(id, models.RoleStudent, conn)

	if r.SendTo(id, EventViolationNotice, nil) {
		t.Errorf("SendTo reported success for saturated connection")
	}
	if r.SendTo(uuid.New(), EventViolationNotice, nil) {
		t.Errorf("SendTo reported success for absent identity")
	}
}

func TestLeaveRoomIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	id := uuid.New()
	r.Register(id, models.RoleStudent, &fakeConn{})

	room := "exam:" + uuid.New().String()
	if err := r.LeaveRoom(id, room); err != nil {
		t.Fatalf("leave before join: %v", err)
	}
	_ = r.JoinRoom(id, room)
	if err := r.LeaveRoom(id, room); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := r.LeaveRoom(id, room); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestPresenceHandlerFires(t *testing.T) {
	r := NewRegistry(nil, nil)
	type presence struct {
		room   string
		joined bool
	}
	var mu sync.Mutex
	var events []presence
	r.SetPresenceHandler(func(_ uuid.UUID, _ models.Role, room string, joined bool) {
		mu.Lock()
		events = append(events, presence{room: room, joined: joined})
		mu.Unlock()
	})

	id := uuid.New()
	conn := &fakeConn{}
	r.Register(id, models.RoleStudent, conn)
	room := "exam:" + uuid.New().String()
	_ = r.JoinRoom(id, room)
	r.Unregister(id, conn)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("presence handler fired %d times, want 2", len(events))
	}
	if !events[0].joined || events[1].joined {
		t.Errorf("presence order wrong: %+v", events)
	}
}
