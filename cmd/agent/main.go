// Package main runs the student-side proctoring agent: it fetches detection
// model assets, starts the detectors for one exam attempt, and relays
// violation candidates to the backend over WebSocket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	authpkg "github.com/invigilo/backend/internal/auth"
	"github.com/invigilo/backend/internal/agent"
	"github.com/invigilo/backend/internal/detector"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/modelstore"
	"github.com/invigilo/backend/internal/realtime"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "backend base URL")
		token     = flag.String("token", "", "JWT obtained from /auth/login")
		examStr   = flag.String("exam", "", "exam ID to attempt")
		script    = flag.String("script", "", "optional JSON simulation script for the media sources")
		modelDir  = flag.String("models", "", "local model cache directory")
	)
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if *token == "" || *examStr == "" {
		logger.Fatal("both -token and -exam are required")
	}
	examID, err := uuid.Parse(*examStr)
	if err != nil {
		logger.Fatal("invalid exam id", zap.Error(err))
	}
	userID, err := identityFromToken(*token)
	if err != nil {
		logger.Fatal("invalid token", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	// Model assets. A missing model disables the detectors that need it; the
	// attempt still runs with the rest.
	fetcher := modelstore.NewFetcher(*serverURL, *modelDir, logger)
	if missing, err := fetcher.FetchAll(ctx); err != nil {
		logger.Warn("model fetch failed", zap.Error(err))
	} else if len(missing) > 0 {
		logger.Warn("running without some model assets", zap.Strings("models", missing))
	}

	// Media sources: simulated, optionally scripted.
	var sim agent.SimScript
	if *script != "" {
		sim, err = agent.LoadScript(*script)
		if err != nil {
			logger.Fatal("load script", zap.Error(err))
		}
	}
	video := agent.NewSimVideoObserver(sim.Video)
	audio := agent.NewSimAudioObserver(sim.Audio)
	visibility := agent.NewSimVisibilitySource(sim.Visibility)

	agg := agent.NewAggregator(logger,
		detector.NewFaceDetector(video, detector.FaceConfig{}, logger),
		detector.NewEyeClosureDetector(video, detector.EyesConfig{}, logger),
		detector.NewAudioLevelDetector(audio, detector.AudioConfig{}, logger),
		detector.NewVisibilityDetector(visibility, logger),
	)
	agg.AddCloser(video)
	agg.AddCloser(audio)
	agg.AddCloser(visibility)
	defer agg.Stop()

	// Register the attempt and learn the exam room.
	room, err := startAttempt(ctx, *serverURL, *token, examID)
	if err != nil {
		logger.Fatal("start attempt", zap.Error(err))
	}
	logger.Info("attempt started", zap.String("exam_id", examID.String()), zap.String("room", room))

	client, err := agent.Dial(ctx, *serverURL, *token, logger)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer client.Close()
	if err := client.Authenticate(userID); err != nil {
		logger.Fatal("authenticate", zap.Error(err))
	}
	if err := client.JoinRoom(room); err != nil {
		logger.Fatal("join room", zap.Error(err))
	}

	warnings, err := agg.Start(ctx)
	for _, w := range warnings {
		logger.Warn("detector unavailable", zap.String("detail", w))
	}
	if err != nil {
		logger.Fatal("start detectors", zap.Error(err))
	}

	go func() {
		err := client.Listen(ctx, agent.Handlers{
			OnViolationNotice: func(ev models.ViolationEvent) {
				logger.Warn("violation recorded",
					zap.String("type", string(ev.Type)),
					zap.String("details", ev.Details))
			},
			OnStatusChanged: func(p realtime.StatusChangedPayload) {
				logger.Warn("proctoring status changed",
					zap.String("status", string(p.Status)),
					zap.Int("warning_count", p.WarningCount))
			},
			OnTerminated: func(p realtime.TerminatedPayload) {
				logger.Error("attempt terminated by proctoring")
				cancel()
			},
			OnError: func(msg string) {
				logger.Warn("server error", zap.String("message", msg))
			},
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("connection lost", zap.Error(err))
		}
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("agent stopped")
			return
		case ev, ok := <-agg.Events():
			if !ok {
				return
			}
			if err := client.SendViolation(examID, ev); err != nil {
				logger.Warn("send violation failed", zap.Error(err))
			}
		}
	}
}

// identityFromToken extracts the user ID from the JWT without verifying the
// signature; the server verifies on connect.
func identityFromToken(token string) (uuid.UUID, error) {
	var claims authpkg.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return uuid.Nil, err
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("token has no user id")
	}
	return claims.UserID, nil
}

func startAttempt(ctx context.Context, serverURL, token string, examID uuid.UUID) (string, error) {
	url := fmt.Sprintf("%s/api/exams/%s/attempts", serverURL, examID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Data    struct {
			Room string `json:"room"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("server rejected attempt: %s (status %d)", env.Error, resp.StatusCode)
	}
	return env.Data.Room, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
