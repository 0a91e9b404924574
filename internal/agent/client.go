package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// BatchSize is the number of queued sessions submitted per request.
const BatchSize = 100

var (
	// ErrUnauthorized means the API key was rejected; the request may
	// succeed once the agent is configured with the current key.
	ErrUnauthorized = errors.New("api key rejected")
	// ErrRejected means the server refused the content itself and
	// resending it unchanged will never succeed.
	ErrRejected = errors.New("rejected by server")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

// Client talks to the PlayLedger API on behalf of a device.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
	Log     *zap.Logger
}

// SubmitSessions posts sessions as one all-or-nothing batch.
func (c *Client) SubmitSessions(ctx context.Context, sessions []Session) error {
	b, err := json.Marshal(map[string]any{"sessions": sessions})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/gameplay/sessions"), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// UploadBackup sends the file at path as a save backup of deviceID.
func (c *Client) UploadBackup(ctx context.Context, deviceID, path string) (*BackupInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("deviceId", deviceID); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/backup/upload"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Backup BackupInfo `json:"backup"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &out.Backup, nil
}

// Flush submits the queue in batches until it is empty or a request fails
// with a retryable error. A batch is stored all-or-nothing, so when the
// server rejects a batch its entries are resent one at a time and only
// the entries refused on their own are dropped. It returns the number of
// sessions the server accepted.
func (c *Client) Flush(ctx context.Context, q *Queue) (int, error) {
	sent := 0
	for {
		batch := q.Pending(BatchSize)
		if len(batch) == 0 {
			return sent, nil
		}

		err := c.SubmitSessions(ctx, sessionsOf(batch))
		switch {
		case err == nil:
			sent += len(batch)
		case errors.Is(err, ErrRejected) && len(batch) > 1:
			n, err := c.flushEach(ctx, q, batch)
			sent += n
			if err != nil {
				return sent, err
			}
			continue
		case errors.Is(err, ErrRejected):
			c.logDropped(batch[0], err)
		default:
			return sent, err
		}
		if err := q.Remove(idsOf(batch)); err != nil {
			return sent, fmt.Errorf("update queue: %w", err)
		}
	}
}

// flushEach submits entries individually, removing each one the server
// either stores or refuses. It stops at the first retryable error.
func (c *Client) flushEach(ctx context.Context, q *Queue, entries []Entry) (int, error) {
	sent := 0
	for _, e := range entries {
		err := c.SubmitSessions(ctx, []Session{e.Session})
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrRejected):
			c.logDropped(e, err)
		default:
			return sent, err
		}
		if err := q.Remove([]string{e.ID}); err != nil {
			return sent, fmt.Errorf("update queue: %w", err)
		}
	}
	return sent, nil
}

func (c *Client) logDropped(e Entry, err error) {
	c.logger().Warn("dropping rejected session",
		zap.String("entry_id", e.ID),
		zap.String("game", e.Session.GameName),
		zap.Time("start", e.Session.StartTime),
		zap.Error(err),
	)
}

func sessionsOf(entries []Entry) []Session {
	sessions := make([]Session, len(entries))
	for i, e := range entries {
		sessions[i] = e.Session
	}
	return sessions
}

func idsOf(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// StartAutoFlush flushes q every interval until ctx is done.
func StartAutoFlush(ctx context.Context, c *Client, q *Queue, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.Flush(ctx, q)
				if err != nil {
					c.logger().Error("flush failed", zap.Int("sent", n), zap.Int("queued", q.Len()), zap.Error(err))
					continue
				}
				if n > 0 {
					c.logger().Info("sessions submitted", zap.Int("sent", n))
				}
			}
		}
	}()
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// do sends req with the API key and converts non-2xx responses into a
// *StatusError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	se := &StatusError{Code: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		se.kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		se.kind = ErrRejected
	}
	return nil, se
}
