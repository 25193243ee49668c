package memorystore

// Connecting marks a connect attempt in flight.
func (s ChartState) Connecting() ChartState {
	s.conn.Status = StatusConnecting
	return s
}

// Connected clears the last error and the attempt counter.
func (s ChartState) Connected() ChartState {
	s.conn = Connection{Status: StatusConnected}
	return s
}

// Disconnected reflects a closed link. The attempt counter survives so the
// presentation layer can still show how many retries were spent.
func (s ChartState) Disconnected() ChartState {
	s.conn.Status = StatusDisconnected
	return s
}

// Reconnecting counts one more automatic retry.
func (s ChartState) Reconnecting() ChartState {
	s.conn.Status = StatusReconnecting
	s.conn.ReconnectAttempts++
	return s
}

// Failed records a transport error.
func (s ChartState) Failed(msg string) ChartState {
	s.conn.Status = StatusError
	s.conn.LastError = msg
	return s
}
