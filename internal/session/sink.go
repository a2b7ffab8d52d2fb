package session

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) StateChanged(Snapshot) {}
func (NopSink) PartialTranscript(string, string) {}
func (NopSink) FinalTranscript(string, string) {}
func (NopSink) SessionError(string, error, bool) {}
func (NopSink) TranscriptSaved(string, string, string) {}

// MultiSink fans notifications out to every sink in order.
type MultiSink []Sink

func (m MultiSink) StateChanged(s Snapshot) {
	for _, sink := range m {
		sink.StateChanged(s)
	}
}

func (m MultiSink) PartialTranscript(sessionID, text string) {
	for _, sink := range m {
		sink.PartialTranscript(sessionID, text)
	}
}

func (m MultiSink) FinalTranscript(sessionID, text string) {
	for _, sink := range m {
		sink.FinalTranscript(sessionID, text)
	}
}

func (m MultiSink) SessionError(sessionID string, err error, fatal bool) {
	for _, sink := range m {
		sink.SessionError(sessionID, err, fatal)
	}
}

func (m MultiSink) TranscriptSaved(sessionID, path, text string) {
	for _, sink := range m {
		sink.TranscriptSaved(sessionID, path, text)
	}
}

type nopFeedback struct{}

func (nopFeedback) StopTone() {}
