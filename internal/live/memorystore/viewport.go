package memorystore

// windowEnd is the exclusive end of the visible slice.
func (s ChartState) windowEnd() int {
	n := len(s.candles)
	if s.view.IsLiveMode || s.view.WindowEnd == nil {
		return n
	}
	return min(*s.view.WindowEnd, n)
}

// bounds returns the visible [start, end) range over the candles.
func (s ChartState) bounds() (int, int) {
	end := s.windowEnd()
	return max(0, end-s.limits.WindowSize), end
}

// Navigation returns 1-indexed window metadata for display.
func (s ChartState) Navigation() Navigation {
	start, end := s.bounds()
	n := len(s.candles)
	return Navigation{
		Start:        start + 1,
		End:          end,
		Total:        n,
		IsLiveMode:   s.view.IsLiveMode,
		CanGoBack:    start > 0,
		CanGoForward: end < n,
	}
}

// PageBackward moves the window one page towards older candles and leaves
// live mode. It does nothing when the window already starts at the oldest
// candle.
func (s ChartState) PageBackward() ChartState {
	start, end := s.bounds()
	if start == 0 {
		return s
	}
	s.view = historical(max(s.limits.WindowSize, end-s.limits.WindowSize))
	return s
}

// PageForward moves the window one page towards newer candles. Reaching the
// newest candle switches back to live mode.
func (s ChartState) PageForward() ChartState {
	if s.view.IsLiveMode {
		return s
	}
	n := len(s.candles)
	newEnd := min(n, s.windowEnd()+s.limits.WindowSize)
	if newEnd == n {
		return s.ResumeLive()
	}
	s.view = historical(newEnd)
	return s
}

// JumpToStart shows the oldest page and leaves live mode.
func (s ChartState) JumpToStart() ChartState {
	n := len(s.candles)
	if n == 0 {
		return s
	}
	s.view = historical(min(s.limits.WindowSize, n))
	return s
}

// ResumeLive follows the newest candles again.
func (s ChartState) ResumeLive() ChartState {
	s.view = Viewport{IsLiveMode: true}
	return s
}

// clampView keeps a historical window inside a history of length n.
func (s ChartState) clampView(n int) Viewport {
	if s.view.IsLiveMode || s.view.WindowEnd == nil {
		return Viewport{IsLiveMode: true}
	}
	if n == 0 {
		return Viewport{IsLiveMode: true}
	}
	return historical(min(*s.view.WindowEnd, n))
}

func historical(end int) Viewport {
	return Viewport{WindowEnd: &end, IsLiveMode: false}
}
