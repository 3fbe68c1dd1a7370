// Package main runs the faculty terminal monitoring view for one exam:
// a live status table with a prompt for manual terminations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/invigilo/backend/internal/agent"
	authpkg "github.com/invigilo/backend/internal/auth"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/monitor"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "backend base URL")
		token     = flag.String("token", "", "JWT obtained from /auth/login (faculty or admin)")
		examStr   = flag.String("exam", "", "exam ID to monitor")
		refresh   = flag.Int("refresh", 5, "snapshot poll interval in seconds")
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

	client, err := agent.Dial(ctx, *serverURL, *token, logger)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer client.Close()
	if err := client.Authenticate(userID); err != nil {
		logger.Fatal("authenticate", zap.Error(err))
	}
	if err := client.JoinRoom(models.ExamRoom(examID)); err != nil {
		logger.Fatal("join room", zap.Error(err))
	}

	view := monitor.New(monitor.Config{
		ServerURL: *serverURL,
		Token:     *token,
		ExamID:    examID,
		Refresh:   time.Duration(*refresh) * time.Second,
		Out:       os.Stdout,
		In:        os.Stdin,
	}, client, logger)

	if err := view.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("monitor", zap.Error(err))
	}
}

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

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
