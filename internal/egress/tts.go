// Package egress holds optional outbound integrations: the text-to-speech
// injection endpoint and nothing else. Everything here is fire-and-forget;
// egress failures never surface into the relay data path.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ttsTimeout bounds a single injection POST.
const ttsTimeout = 10 * time.Second

// TTSClient pushes assistant transcripts to an external speech-injection
// service. A nil client or empty URL disables egress.
type TTSClient struct {
	url    string
	client *http.Client
}

// NewTTSClient creates a client for the given endpoint. Returns nil when the
// URL is empty so callers can nil-check instead of branching on config.
func NewTTSClient(url string) *TTSClient {
	if url == "" {
		return nil
	}
	return &TTSClient{
		url:    url,
		client: &http.Client{Timeout: ttsTimeout},
	}
}

// Push sends one transcript asynchronously. Safe to call on a nil client.
func (c *TTSClient) Push(ctx context.Context, sessionID, text string) {
	if c == nil || text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttsTimeout)
		defer cancel()

		payload, err := json.Marshal(map[string]any{
			"session_id": sessionID,
			"text":       text,
			"timestamp":  time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			slog.Debug("tts egress failed", "session_id", sessionID, "err", err)
			return
		}
		resp.Body.Close()
	}()
}
