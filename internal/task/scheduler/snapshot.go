package scheduler

// Snapshot returns dispatcher counters and the runner view for diagnostics.
func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Tick:           cfg.Tick,
		BatchSize:      cfg.BatchSize,
		Timezone:       cfg.DefaultTimezone,
		FullCron:       cfg.FullCron,
		Ticks:          s.ticks.Load(),
		Dispatched:     s.dispatched.Load(),
		SkipRunning:    s.skipRunning.Load(),
		SkipDeps:       s.skipDeps.Load(),
		SkipSaturated:  s.skipSaturated.Load(),
		ClaimConflicts: s.claimConflicts.Load(),
		Runner:         s.runner.Snapshot(),
	}
	if rep, ok := s.lastTick.Load().(TickReport); ok {
		snap.LastTick = rep
	}
	if sup != nil {
		snap.Supervisor = sup.Snapshot()
	}
	return snap
}
