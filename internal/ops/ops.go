// Package ops serves the operator endpoints: liveness and a listing of
// live sessions.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/session"
)

// Sessions is the read side of the session registry.
type Sessions interface {
	Snapshots() []session.Snapshot
}

type Info struct {
	Version   string
	Transport string
	StartedAt time.Time
}

type sessionView struct {
	RecordID   int64     `json:"record_id"`
	SessionID  string    `json:"session_id"`
	ChannelID  string    `json:"channel_id"`
	OwnerID    string    `json:"owner_id"`
	Stage      string    `json:"stage"`
	Plies      int       `json:"plies"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// NewRouter builds the ops handler.
func NewRouter(sessions Sessions, info Info) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(info))
	router.GET("/sessions", handleSessions(sessions))
	return router
}

func handleHealth(info Info) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"version":   info.Version,
			"transport": info.Transport,
		}
		if !info.StartedAt.IsZero() {
			body["uptime_sec"] = int64(time.Since(info.StartedAt).Seconds())
		}
		c.JSON(http.StatusOK, body)
	}
}

func handleSessions(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		snaps := sessions.Snapshots()
		byStage := make(map[string]int)
		views := make([]sessionView, 0, len(snaps))
		for _, s := range snaps {
			stage := s.Stage.String()
			byStage[stage]++
			views = append(views, sessionView{
				RecordID:   s.RecordID,
				SessionID:  s.ID,
				ChannelID:  s.ChannelID,
				OwnerID:    s.OwnerID,
				Stage:      stage,
				Plies:      s.Plies,
				StartedAt:  s.StartedAt,
				LastActive: s.LastActive,
			})
		}
		if c.Query("detail") != "1" {
			views = nil
		}
		c.JSON(http.StatusOK, gin.H{
			"total":    len(snaps),
			"by_stage": byStage,
			"sessions": views,
		})
	}
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops shutdown: %w", err)
	}
	return nil
}
