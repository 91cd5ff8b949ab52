package main

import (
	"strings"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

func TestFormatEnvelope(t *testing.T) {
	at := time.Now()
	cases := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "status",
			in:   protocol.NewTaskStatus("t1", "running"),
			want: "[t1] status: running",
		},
		{
			name: "message",
			in:   protocol.NewTaskMessage("t1", events.Message{Role: "assistant", Content: "On it.", At: at}),
			want: "[t1] assistant: On it.",
		},
		{
			name: "progress without message",
			in:   protocol.NewTaskProgress("t1", events.Progress{Stage: events.StageStarting}),
			want: "[t1] progress (starting)",
		},
		{
			name: "complete",
			in:   protocol.NewTaskComplete("t1", events.Result{Summary: "Shipped.", DurationMS: 4500, At: at}),
			want: "[t1] complete (4.5s): Shipped.",
		},
		{
			name: "interrupted error",
			in:   protocol.NewTaskError("t1", events.TaskError{Message: "stopped by user", Interrupted: true, At: at}),
			want: "[t1] interrupted: stopped by user",
		},
		{
			name: "todos",
			in: protocol.NewTodoUpdate("t1", []completion.TodoItem{
				{ID: "1", Content: "read logs", Status: completion.TodoStatusCompleted},
				{ID: "2", Content: "fix flake", Status: completion.TodoStatusInProgress},
			}),
			want: "[t1] todos: 1/2 done",
		},
		{
			name: "auto-rejected permission",
			in: protocol.NewPermissionRequest("t1", events.PermissionRequest{
				PermissionID: "perm-3",
				Tool:         "bash",
				Input:        "rm -rf /",
				At:           at,
			}, true),
			want: "[t1] permission perm-3: bash rm -rf / (auto-rejected)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatEnvelope(tc.in); got != tc.want {
				t.Fatalf("formatEnvelope() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatEnvelopeTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := formatEnvelope(protocol.NewTaskMessage("t1", events.Message{Role: "assistant", Content: long, At: time.Now()}))
	if len(got) >= 500 {
		t.Fatalf("formatEnvelope() kept %d chars, want truncation", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("formatEnvelope() = %q, want ... suffix", got)
	}
}

func TestIsTerminal(t *testing.T) {
	at := time.Now()
	complete := protocol.NewTaskComplete("t1", events.Result{Summary: "done", At: at})
	if !isTerminal(complete, "t1") {
		t.Fatal("isTerminal(complete, t1) = false, want true")
	}
	if isTerminal(complete, "t2") {
		t.Fatal("isTerminal(complete, t2) = true, want false")
	}
	progress := protocol.NewTaskProgress("t1", events.Progress{Stage: events.StageStarting})
	if isTerminal(progress, "t1") {
		t.Fatal("isTerminal(progress, t1) = true, want false")
	}
}

func TestStreamURL(t *testing.T) {
	cases := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8484", want: "ws://127.0.0.1:8484/v1/stream"},
		{base: "https://deck.internal", want: "wss://deck.internal/v1/stream"},
		{base: "ftp://deck.internal", wantErr: true},
	}
	for _, tc := range cases {
		got, err := streamURL(tc.base)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("streamURL(%q) expected error", tc.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("streamURL(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("streamURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
