// deckprobe tails the agentdeckd event stream and optionally submits a
// task first. One line per envelope, for smoke-testing a daemon from the
// terminal.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

type options struct {
	baseURL string
	prompt  string
	taskID  string
	model   string
	watch   time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "deckprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "deckprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var watchMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8484", "agentdeckd base URL")
	flag.StringVar(&cfg.prompt, "prompt", "", "optional prompt; submits a task before tailing")
	flag.StringVar(&cfg.taskID, "task-id", "", "task id used with -prompt (default: generated by the daemon)")
	flag.StringVar(&cfg.model, "model", "", "model used with -prompt (default: daemon settings)")
	flag.IntVar(&watchMS, "watch-ms", 60000, "how long to tail the stream in milliseconds")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if watchMS < 1000 {
		watchMS = 1000
	}
	cfg.watch = time.Duration(watchMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	wsURL, err := streamURL(cfg.baseURL)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	submitted := ""
	if strings.TrimSpace(cfg.prompt) != "" {
		submitted, err = submitTask(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("submitted task %s\n", submitted)
	}

	deadline := time.Now().Add(cfg.watch)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		parsed, err := protocol.ParseServerMessage(data)
		if err != nil {
			fmt.Printf("unparsed envelope: %s\n", strings.TrimSpace(string(data)))
			continue
		}
		fmt.Println(formatEnvelope(parsed))
		if submitted != "" && isTerminal(parsed, submitted) {
			return nil
		}
	}
	return nil
}

func submitTask(cfg options) (string, error) {
	payload := map[string]string{
		"prompt": cfg.prompt,
		"source": "probe",
	}
	if strings.TrimSpace(cfg.taskID) != "" {
		payload["task_id"] = cfg.taskID
	}
	if strings.TrimSpace(cfg.model) != "" {
		payload["model"] = cfg.model
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	resp, err := http.Post(cfg.baseURL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return "", fmt.Errorf("daemon rejected task (%s): %s", apiErr.Code, apiErr.Error)
	}
	var out struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.Task.ID, nil
}

func formatEnvelope(v any) string {
	switch m := v.(type) {
	case protocol.TaskStatus:
		return fmt.Sprintf("[%s] status: %s", m.TaskID, m.Status)
	case protocol.TaskMessage:
		return fmt.Sprintf("[%s] %s: %s", m.TaskID, m.Role, truncate(m.Content, 120))
	case protocol.TaskProgress:
		if strings.TrimSpace(m.Message) == "" {
			return fmt.Sprintf("[%s] progress (%s)", m.TaskID, m.Stage)
		}
		return fmt.Sprintf("[%s] progress (%s): %s", m.TaskID, m.Stage, truncate(m.Message, 120))
	case protocol.PermissionRequest:
		line := fmt.Sprintf("[%s] permission %s: %s %s", m.TaskID, m.PermissionID, m.Tool, truncate(m.Input, 80))
		if m.AutoRejected {
			line += " (auto-rejected)"
		}
		return line
	case protocol.TodoUpdate:
		done := 0
		for _, item := range m.Todos {
			if item.Status == completion.TodoStatusCompleted {
				done++
			}
		}
		return fmt.Sprintf("[%s] todos: %d/%d done", m.TaskID, done, len(m.Todos))
	case protocol.TaskComplete:
		return fmt.Sprintf("[%s] complete (%.1fs): %s", m.TaskID, float64(m.DurationMS)/1000, truncate(m.Summary, 120))
	case protocol.TaskError:
		if m.Interrupted {
			return fmt.Sprintf("[%s] interrupted: %s", m.TaskID, m.Message)
		}
		return fmt.Sprintf("[%s] error: %s", m.TaskID, m.Message)
	case protocol.DebugEvent:
		return fmt.Sprintf("[%s] debug: %s", m.TaskID, truncate(m.Message, 120))
	default:
		return fmt.Sprintf("unrecognized envelope %T", v)
	}
}

func isTerminal(v any, taskID string) bool {
	switch m := v.(type) {
	case protocol.TaskComplete:
		return m.TaskID == taskID
	case protocol.TaskError:
		return m.TaskID == taskID
	}
	return false
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func streamURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v1/stream", nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/stream", nil
	default:
		return "", fmt.Errorf("base-url must start with http:// or https://")
	}
}
