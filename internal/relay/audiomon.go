package relay

import (
	"log/slog"
	"sync"
	"time"
)

// Inter-packet gap thresholds on the received audio stream.
const (
	gapRecordThreshold = 500 * time.Millisecond
	gapWarnThreshold   = 2 * time.Second
)

// AudioHealth is the quality summary of one session's audio stream, included
// in the final session audit record.
type AudioHealth struct {
	Sent           int64   `json:"sent"`
	Received       int64   `json:"received"`
	PacketLossRate float64 `json:"packet_loss_rate"`
	IsHealthy      bool    `json:"is_healthy"`
	LargestGapMS   int64   `json:"largest_gap_ms"`
	GapCount       int     `json:"gap_count"`
}

// AudioMonitor tracks audio frame counts and inter-packet gaps for one
// session. Safe for concurrent use.
type AudioMonitor struct {
	sessionID     string
	lossThreshold float64

	mu             sync.Mutex
	sent           int64
	received       int64
	lastReceivedAt time.Time
	largestGap     time.Duration
	gapCount       int
}

// NewAudioMonitor creates a monitor. A non-positive lossThreshold defaults
// to 5%.
func NewAudioMonitor(sessionID string, lossThreshold float64) *AudioMonitor {
	if lossThreshold <= 0 {
		lossThreshold = 0.05
	}
	return &AudioMonitor{sessionID: sessionID, lossThreshold: lossThreshold}
}

// RecordSent counts one outbound (browser → upstream) audio frame.
func (m *AudioMonitor) RecordSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

// RecordReceived counts one inbound (upstream → browser) audio frame and
// tracks the gap since the previous one.
func (m *AudioMonitor) RecordReceived() {
	now := time.Now()

	m.mu.Lock()
	m.received++
	warn := time.Duration(0)
	if !m.lastReceivedAt.IsZero() {
		gap := now.Sub(m.lastReceivedAt)
		if gap > gapRecordThreshold {
			m.gapCount++
			if gap > m.largestGap {
				m.largestGap = gap
			}
		}
		if gap > gapWarnThreshold {
			warn = gap
		}
	}
	m.lastReceivedAt = now
	m.mu.Unlock()

	if warn > 0 {
		slog.Warn("large audio gap detected",
			"session_id", m.sessionID,
			"gap", warn,
		)
	}
}

// Health returns the current quality summary. Loss is derived from the
// sent/received imbalance; a session that only ever received audio reports
// zero loss.
func (m *AudioMonitor) Health() AudioHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	loss := 0.0
	if m.sent > 0 {
		loss = 1 - float64(m.received)/float64(max(int64(1), m.sent))
		if loss < 0 {
			loss = 0
		}
	}
	return AudioHealth{
		Sent:           m.sent,
		Received:       m.received,
		PacketLossRate: loss,
		IsHealthy:      loss < m.lossThreshold,
		LargestGapMS:   m.largestGap.Milliseconds(),
		GapCount:       m.gapCount,
	}
}
