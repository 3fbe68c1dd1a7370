// Package monitor implements the faculty-facing terminal monitoring view: a
// periodically refreshed status table for one exam room plus a small command
// prompt for manual interventions.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/agent"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/realtime"
)

// apiEnvelope mirrors the server's response envelope.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// View polls the proctoring snapshot of one exam and renders it as a table.
// Realtime events update the table between polls; the prompt accepts
// `terminate <student-id>` with confirmation.
type View struct {
	serverURL string
	token     string
	examID    uuid.UUID
	client    *agent.Client
	http      *http.Client
	out       io.Writer
	in        io.Reader
	refresh   time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	states map[uuid.UUID]models.ProctoringState
}

// Config configures a monitoring view.
type Config struct {
	ServerURL string
	Token     string
	ExamID    uuid.UUID
	Refresh   time.Duration
	Out       io.Writer
	In        io.Reader
}

// New creates a monitoring view over an already-authenticated realtime
// client. The client must have joined the exam room.
func New(cfg Config, client *agent.Client, logger *zap.Logger) *View {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:     cfg.Token,
		examID:    cfg.ExamID,
		client:    client,
		http:      &http.Client{Timeout: 10 * time.Second},
		out:       cfg.Out,
		in:        cfg.In,
		refresh:   cfg.Refresh,
		logger:    logger,
		states:    make(map[uuid.UUID]models.ProctoringState),
	}
}

// Run drives the view until ctx is cancelled: one goroutine listens for
// realtime events, one polls the snapshot endpoint, and the caller's
// goroutine reads prompt commands.
func (v *View) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := v.client.Listen(ctx, agent.Handlers{
			OnViolationNotice: func(ev models.ViolationEvent) {
				v.applyViolation(ev)
				v.render()
			},
			OnStatusChanged: func(p realtime.StatusChangedPayload) {
				v.applyStatus(p)
				v.render()
			},
			OnTerminated: func(p realtime.TerminatedPayload) {
				v.applyTerminated(p)
				v.render()
			},
			OnError: func(msg string) {
				fmt.Fprintf(v.out, "server error: %s\n", msg)
			},
		})
		if err != nil && ctx.Err() == nil {
			v.logger.Warn("realtime listener stopped", zap.Error(err))
		}
		cancel()
	}()

	go v.pollLoop(ctx)

	return v.promptLoop(ctx)
}

func (v *View) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(v.refresh)
	defer ticker.Stop()

	v.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.poll(ctx)
		}
	}
}

func (v *View) poll(ctx context.Context) {
	url := fmt.Sprintf("%s/api/exams/%s/proctoring", v.serverURL, v.examID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+v.token)

	resp, err := v.http.Do(req)
	if err != nil {
		v.logger.Warn("snapshot poll failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || !env.Success {
		v.logger.Warn("snapshot poll rejected", zap.Int("status", resp.StatusCode), zap.String("error", env.Error))
		return
	}
	var states []models.ProctoringState
	if err := json.Unmarshal(env.Data, &states); err != nil {
		return
	}

	v.mu.Lock()
	v.states = make(map[uuid.UUID]models.ProctoringState, len(states))
	for _, st := range states {
		v.states[st.StudentID] = st
	}
	v.mu.Unlock()
	v.render()
}

func (v *View) applyViolation(ev models.ViolationEvent) {
	if ev.ExamID != v.examID {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.states[ev.StudentID]
	if !ok {
		st = models.ProctoringState{StudentID: ev.StudentID, ExamID: ev.ExamID, Status: models.StatusActive}
	}
	st.Violations = append(st.Violations, ev)
	st.UpdatedAt = time.Now()
	v.states[ev.StudentID] = st
}

func (v *View) applyStatus(p realtime.StatusChangedPayload) {
	if p.ExamID != v.examID {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.states[p.StudentID]
	st.StudentID = p.StudentID
	st.ExamID = p.ExamID
	st.Status = p.Status
	st.WarningCount = p.WarningCount
	st.UpdatedAt = time.Now()
	v.states[p.StudentID] = st
}

func (v *View) applyTerminated(p realtime.TerminatedPayload) {
	if p.ExamID != v.examID {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.states[p.StudentID]
	st.StudentID = p.StudentID
	st.ExamID = p.ExamID
	st.Status = models.StatusTerminated
	st.UpdatedAt = time.Now()
	v.states[p.StudentID] = st
}

func (v *View) render() {
	v.mu.Lock()
	states := make([]models.ProctoringState, 0, len(v.states))
	for _, st := range v.states {
		states = append(states, st)
	}
	v.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].StudentID.String() < states[j].StudentID.String()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== exam %s  (%s) ===\n", v.examID, time.Now().Format("15:04:05"))
	fmt.Fprintf(&b, "%-38s %-10s %-8s %s\n", "STUDENT", "STATUS", "WARNINGS", "LAST VIOLATION")
	for _, st := range states {
		last := "-"
		if n := len(st.Violations); n > 0 {
			ev := st.Violations[n-1]
			last = fmt.Sprintf("%s @ %s", ev.Type, ev.Timestamp.Format("15:04:05"))
		}
		fmt.Fprintf(&b, "%-38s %-10s %-8d %s\n", st.StudentID, st.Status, st.WarningCount, last)
	}
	if len(states) == 0 {
		b.WriteString("no active attempts\n")
	}
	b.WriteString("> ")
	fmt.Fprint(v.out, b.String())
}

func (v *View) promptLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(v.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "terminate":
			if len(fields) != 2 {
				fmt.Fprintln(v.out, "usage: terminate <student-id>")
				continue
			}
			studentID, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Fprintln(v.out, "invalid student id")
				continue
			}
			v.confirmTerminate(scanner, studentID)
		case "refresh":
			v.poll(ctx)
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintln(v.out, "commands: terminate <student-id> | refresh | quit")
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (v *View) confirmTerminate(scanner *bufio.Scanner, studentID uuid.UUID) {
	fmt.Fprintf(v.out, "terminate attempt of %s? [y/N] ", studentID)
	if !scanner.Scan() {
		return
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	if answer != "y" && answer != "yes" {
		fmt.Fprintln(v.out, "cancelled")
		return
	}
	if err := v.client.Terminate(studentID, v.examID); err != nil {
		fmt.Fprintf(v.out, "terminate failed: %v\n", err)
		return
	}
	fmt.Fprintln(v.out, "terminate sent")
}
