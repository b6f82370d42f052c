package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"event_delivery/internal/models"
)

// SSEOpener opens the server's push endpoint and parses the event-stream
// wire format.
type SSEOpener struct {
	BaseURL string
	Client  *http.Client
}

func NewSSEOpener(baseURL string) *SSEOpener {
	return &SSEOpener{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{}, // no overall timeout: the stream is long-lived
	}
}

func (o *SSEOpener) Open(ctx context.Context, sessionID string, cursor int64, onEvent func(models.TimelineEvent), onError func(error)) (PushConn, error) {
	connCtx, cancel := context.WithCancel(ctx)

	url := fmt.Sprintf("%s/api/sessions/%s/stream?cursor=%s",
		o.BaseURL, sessionID, strconv.FormatInt(cursor, 10))
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.Client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	conn := &sseConn{cancel: cancel, body: resp.Body}
	go conn.read(onEvent, onError)
	return conn, nil
}

type sseConn struct {
	cancel    context.CancelFunc
	body      io.ReadCloser
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		_ = c.body.Close()
	})
	return nil
}

func (c *sseConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *sseConn) read(onEvent func(models.TimelineEvent), onError func(error)) {
	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev models.TimelineEvent
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					onEvent(ev)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// heartbeat comment; counts as activity upstream only via events
		default:
			// id:/event: fields are redundant with the payload
		}
	}

	if c.isClosed() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	onError(fmt.Errorf("stream read: %w", err))
}
