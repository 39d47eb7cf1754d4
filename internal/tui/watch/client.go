package watch

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

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ocrbridge/internal/api"
	"github.com/mattjoyce/ocrbridge/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type errMsg error

type doneMsg struct{}

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// ReadSSE parses a text/event-stream body into ch until r is exhausted.
func ReadSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		id   int64
		typ  string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				ch <- events.Event{ID: id, Type: typ, At: time.Now().UTC(), Data: json.RawMessage(data.String())}
			}
			id, typ = 0, ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

// subscribe streams /events into ch. It returns sseDisconnectedMsg when the
// connection drops.
func subscribe(ctx context.Context, apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}
		_ = ReadSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event. A closed channel means the
// source is finished.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

// fetchHealth queries /healthz. A 503 still carries a body describing the
// worker, so any decodable response counts.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}
