package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

type eventMsg events.Event

type healthMsg struct {
	Status        string       `json:"status"`
	Queue         queue.Status `json:"queue"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to one agent-runner API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c Client) newRequest(path string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Stream reads /events into ch until the connection drops. Each data line
// carries a whole JSON-encoded event. lastID resumes after a reconnect.
func (c Client) Stream(lastID int64, ch chan<- events.Event) error {
	req, err := c.newRequest("/events")
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprint(lastID))
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				ch <- ev
			}
			data = ""
		case strings.HasPrefix(line, "data: "):
			data += line[len("data: "):]
		}
	}
	return scanner.Err()
}

// Health fetches /healthz.
func (c Client) Health() (healthMsg, error) {
	req, err := c.newRequest("/healthz")
	if err != nil {
		return healthMsg{}, err
	}
	client := c.httpClient()
	if client.Timeout == 0 {
		client = &http.Client{Timeout: 2 * time.Second, Transport: client.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return healthMsg{}, err
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return healthMsg{}, err
	}
	return h, nil
}

func subscribeToEvents(c Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(lastID, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health()
		if err != nil {
			return errMsg(err)
		}
		return h
	}
}
