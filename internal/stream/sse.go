package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type sseTransport struct {
	url  string
	http *http.Client
}

// NewSSETransport reads a text/event-stream over a long-lived HTTP GET.
func NewSSETransport(url string, client *http.Client) Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &sseTransport{url: url, http: client}
}

func (t *sseTransport) Open(ctx context.Context, lastEventID string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &sseConn{body: resp.Body, dec: newSSEDecoder(resp.Body)}, nil
}

type sseConn struct {
	body io.ReadCloser
	dec  *sseDecoder
}

func (c *sseConn) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return c.dec.Next()
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReader(r)}
}

// Next returns the next dispatched block. An incomplete block at EOF is
// discarded.
func (d *sseDecoder) Next() (Frame, error) {
	var (
		name    string
		id      string
		hasID   bool
		data    strings.Builder
		hasData bool
		retry   time.Duration
	)
	for {
		line, err := d.readLine()
		if err != nil {
			return Frame{}, err
		}
		if line == "" {
			if !hasData && !hasID && retry == 0 {
				continue
			}
			frame := Frame{Retry: retry}
			if hasID {
				frame.ID = id
			}
			if hasData {
				if name == "" {
					name = defaultEventName
				}
				payload := strings.TrimSuffix(data.String(), "\n")
				frame.Event = &Event{ID: frame.ID, Name: name, Data: json.RawMessage(payload)}
			}
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			name = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				id = value
				hasID = true
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

func (d *sseDecoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
