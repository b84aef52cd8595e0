package service

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// timerRegistry tracks one billing timer per connected session. Stopping a
// timer cancels its context; a cancelled timer must never issue another
// charge.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[snowflake.ID]context.CancelFunc
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[snowflake.ID]context.CancelFunc)}
}

func (s *Service) startTimer(sessionID snowflake.ID) {
	s.timers.mu.Lock()
	defer s.timers.mu.Unlock()

	if _, running := s.timers.timers[sessionID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.timers.timers[sessionID] = cancel

	go s.runTimer(ctx, sessionID)
}

func (s *Service) stopTimer(sessionID snowflake.ID) {
	s.timers.mu.Lock()
	defer s.timers.mu.Unlock()

	if cancel, ok := s.timers.timers[sessionID]; ok {
		cancel()
		delete(s.timers.timers, sessionID)
	}
}

func (s *Service) runTimer(ctx context.Context, sessionID snowflake.ID) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, sessionID); err != nil {
				s.log.Warn("metering tick failed",
					zap.String("session_id", sessionID.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// StopAll cancels every running timer; called on shutdown.
func (s *Service) StopAll() {
	s.timers.mu.Lock()
	defer s.timers.mu.Unlock()

	for id, cancel := range s.timers.timers {
		cancel()
		delete(s.timers.timers, id)
	}
}
