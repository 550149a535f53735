package scheduler

import "time"

func (s *Service) record(it HistoryItem) {
	limit := s.Config().HistorySize
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.hist = append(s.hist, it)
	if len(s.hist) > limit {
		s.hist = append(s.hist[:0:0], s.hist[len(s.hist)-limit:]...)
	}
}

// trimHistory is called with s.mu held.
func (s *Service) trimHistory(limit int) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.hist) > limit {
		s.hist = append(s.hist[:0:0], s.hist[len(s.hist)-limit:]...)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	loc := s.loc
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Running:  d.running.Load(),
			Runs:     d.runs.Load(),
			Skips:    d.skips.Load(),
			Failures: d.failures.Load(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	s.histMu.Lock()
	hist := make([]HistoryItem, len(s.hist))
	copy(hist, s.hist)
	s.histMu.Unlock()

	return Snapshot{
		Enabled:   cfg.Enabled,
		Running:   c != nil,
		Timezone:  loc.String(),
		Schedules: items,
		History:   hist,
	}
}
