package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	logx "jobsched/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// Skips happen during normal operation.
	if errors.Is(err, errSkipped) {
		if !s.log.IsZero() {
			s.log.Debug("dispatch skipped", logx.String("job", name), logx.String("reason", err.Error()))
		}
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	if s.lastWarnedAt == nil {
		s.lastWarnedAt = make(map[string]time.Time)
	}
	last := s.lastWarnedAt[name]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarnedAt[name] = now
	s.warnMu.Unlock()

	if s.log.IsZero() {
		return
	}
	s.log.Warn("dispatch failed", logx.String("job", name), logx.Err(err))
}
