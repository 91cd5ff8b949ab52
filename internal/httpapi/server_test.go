package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/agenthost"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/observability"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/recurring"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/internal/tasks"
)

// fakeHost accepts sessions and prompts without producing host events, so
// tasks stay active until the test drives them.
type fakeHost struct {
	mu       sync.Mutex
	sessions int
	prompts  []string
	aborts   []string
	resolved []string
}

func (f *fakeHost) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("sess-%d", f.sessions), nil
}

func (f *fakeHost) Prompt(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, sessionID+": "+text)
	return nil
}

func (f *fakeHost) Abort(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return nil
}

func (f *fakeHost) ResolvePermission(_ context.Context, _, permissionID string, decision agenthost.PermissionDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, permissionID+":"+string(decision))
	return nil
}

func (f *fakeHost) Close() error { return nil }

func (f *fakeHost) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeHost) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

func (f *fakeHost) resolution(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[i]
}

func (f *fakeHost) resolutionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

type testEnv struct {
	srv     *httptest.Server
	host    *fakeHost
	manager *tasks.Manager
	hub     *stream.Hub
	history *history.MemoryStore
	gate    *policy.Gate
	stages  *observability.StageWindow
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	host := &fakeHost{}
	hub := stream.NewHub()
	hist := history.NewMemoryStore()
	stages := observability.NewStageWindow(64)
	manager := tasks.NewManager(tasks.Options{
		MaxConcurrentTasks: 2,
		Client:             host,
		Router:             events.NewRouter(),
		History:            hist,
		Stages:             stages,
	})

	dir := t.TempDir()
	settingsStore, err := settings.NewStore(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		t.Fatalf("settings.NewStore() error = %v", err)
	}
	gate, err := policy.NewGate(nil)
	if err != nil {
		t.Fatalf("policy.NewGate() error = %v", err)
	}
	scheduler, err := recurring.NewService(filepath.Join(dir, "schedules.yaml"), func(ctx context.Context, taskID, prompt, model string) error {
		cb := stream.Callbacks(hub, taskID, stream.CallbackOptions{Gate: gate, Responder: manager})
		_, err := manager.StartTask(ctx, taskID, tasks.Config{Prompt: prompt, Model: model, Source: "schedule"}, cb)
		return err
	})
	if err != nil {
		t.Fatalf("recurring.NewService() error = %v", err)
	}

	api := New(Options{
		Config: config.Config{
			BindAddr:           "127.0.0.1:0",
			MaxConcurrentTasks: 2,
			AgentHostMode:      "mock",
		},
		Manager:   manager,
		Hub:       hub,
		History:   hist,
		Settings:  settingsStore,
		Gate:      gate,
		Recurring: scheduler,
		Stages:    stages,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		manager.Dispose()
		hub.Close()
	})
	return &testEnv{srv: srv, host: host, manager: manager, hub: hub, history: hist, gate: gate, stages: stages}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest(%s %s) error = %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorResponse
	decodeInto(t, resp, &body)
	return body.Code
}

func createTask(t *testing.T, env *testEnv, body map[string]any) createTaskResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /v1/tasks status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var out createTaskResponse
	decodeInto(t, resp, &out)
	return out
}

func TestCreateTaskRunsImmediately(t *testing.T) {
	env := newTestEnv(t)

	out := createTask(t, env, map[string]any{"prompt": "review the deploy logs"})
	if out.Task.ID == "" {
		t.Fatal("create response task id is empty, want generated id")
	}
	if out.Task.Status != tasks.TaskStatusRunning {
		t.Fatalf("task status = %q, want %q", out.Task.Status, tasks.TaskStatusRunning)
	}
	if out.Task.Model != "sonnet" {
		t.Fatalf("task model = %q, want settings default %q", out.Task.Model, "sonnet")
	}
	if out.QueuePosition != 0 {
		t.Fatalf("queue position = %d, want 0 for a running task", out.QueuePosition)
	}
	eventually(t, func() bool { return env.host.promptCount() == 1 }, "prompt dispatch")
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks", map[string]any{"prompt": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if code := errorCode(t, resp); code != "invalid_request" {
		t.Fatalf("blank prompt code = %q, want %q", code, "invalid_request")
	}

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	resp.Body.Close()
}

func TestCreateTaskDuplicateConflict(t *testing.T) {
	env := newTestEnv(t)

	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "first"})
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks", map[string]any{"task_id": "t1", "prompt": "second"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if code := errorCode(t, resp); code != "duplicate_task" {
		t.Fatalf("duplicate code = %q, want %q", code, "duplicate_task")
	}
}

func TestCreateTaskQueueOverflow(t *testing.T) {
	env := newTestEnv(t)

	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "one"})
	createTask(t, env, map[string]any{"task_id": "t2", "prompt": "two"})
	third := createTask(t, env, map[string]any{"task_id": "t3", "prompt": "three"})
	fourth := createTask(t, env, map[string]any{"task_id": "t4", "prompt": "four"})
	if third.Task.Status != tasks.TaskStatusQueued || third.QueuePosition != 1 {
		t.Fatalf("third task = %q position %d, want queued at position 1", third.Task.Status, third.QueuePosition)
	}
	if fourth.QueuePosition != 2 {
		t.Fatalf("fourth task position = %d, want 2", fourth.QueuePosition)
	}

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks", map[string]any{"task_id": "t5", "prompt": "five"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("overflow status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if code := errorCode(t, resp); code != "queue_full" {
		t.Fatalf("overflow code = %q, want %q", code, "queue_full")
	}
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "inspect"})

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/tasks/t1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET task status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var task tasks.Task
	decodeInto(t, resp, &task)
	if task.ID != "t1" || task.Prompt != "inspect" {
		t.Fatalf("GET task = %+v, want t1/inspect", task)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/tasks/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown task status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if code := errorCode(t, resp); code != "task_not_found" {
		t.Fatalf("GET unknown task code = %q, want %q", code, "task_not_found")
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "cancel me"})
	eventually(t, func() bool { return env.host.promptCount() == 1 }, "prompt dispatch")

	resp := doJSON(t, http.MethodDelete, env.srv.URL+"/v1/tasks/t1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE task status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()
	eventually(t, func() bool { return env.host.abortCount() == 1 }, "host abort")
	eventually(t, func() bool { return env.manager.ActiveTaskCount() == 0 }, "task cleanup")

	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/tasks/t1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE finished task status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestCancelQueuedTask(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "one"})
	createTask(t, env, map[string]any{"task_id": "t2", "prompt": "two"})
	createTask(t, env, map[string]any{"task_id": "t3", "prompt": "three"})

	resp := doJSON(t, http.MethodDelete, env.srv.URL+"/v1/queue/t3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE queued status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()

	// Running tasks are not cancellable through the queue endpoint.
	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/queue/t1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE running via queue status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestInterruptTask(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "long haul"})
	eventually(t, func() bool { return env.host.promptCount() == 1 }, "prompt dispatch")

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks/t1/interrupt", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("interrupt status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	resp.Body.Close()
	eventually(t, func() bool { return env.host.abortCount() == 1 }, "host abort")

	// The task stays active until the host confirms.
	if !env.manager.HasActiveTask("t1") {
		t.Fatal("HasActiveTask(t1) = false right after interrupt, want true")
	}

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks/ghost/interrupt", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("interrupt unknown status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestRespondResolvesPermission(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "needs approval"})
	eventually(t, func() bool { return env.host.promptCount() == 1 }, "prompt dispatch")

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks/t1/respond", map[string]any{
		"response":      "yes",
		"permission_id": "perm-9",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()
	eventually(t, func() bool { return env.host.resolutionCount() == 1 }, "permission resolution")
	if got := env.host.resolution(0); got != "perm-9:accept_once" {
		t.Fatalf("resolution = %q, want %q", got, "perm-9:accept_once")
	}

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks/t1/respond", map[string]any{"permission_id": "perm-9"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("respond without response status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/tasks/ghost/respond", map[string]any{
		"response":      "no",
		"permission_id": "perm-1",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("respond unknown task status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestQueueAndStatusEndpoints(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "one"})
	createTask(t, env, map[string]any{"task_id": "t2", "prompt": "two"})
	createTask(t, env, map[string]any{"task_id": "t3", "prompt": "three"})

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/queue", nil)
	var queue struct {
		Length int              `json:"length"`
		Tasks  []queuedTaskView `json:"tasks"`
	}
	decodeInto(t, resp, &queue)
	if queue.Length != 1 || len(queue.Tasks) != 1 {
		t.Fatalf("queue = %+v, want one queued task", queue)
	}
	if queue.Tasks[0].ID != "t3" || queue.Tasks[0].Position != 1 {
		t.Fatalf("queued task = %s at %d, want t3 at 1", queue.Tasks[0].ID, queue.Tasks[0].Position)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", nil)
	var status struct {
		ActiveTasks        int      `json:"active_tasks"`
		ActiveTaskIDs      []string `json:"active_task_ids"`
		QueueLength        int      `json:"queue_length"`
		HasRunningTask     bool     `json:"has_running_task"`
		MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	}
	decodeInto(t, resp, &status)
	if status.ActiveTasks != 2 || status.QueueLength != 1 || !status.HasRunningTask {
		t.Fatalf("status = %+v, want 2 active, 1 queued, running", status)
	}
	if len(status.ActiveTaskIDs) != 2 || status.ActiveTaskIDs[0] != "t1" || status.ActiveTaskIDs[1] != "t2" {
		t.Fatalf("active_task_ids = %v, want [t1 t2]", status.ActiveTaskIDs)
	}
	if status.MaxConcurrentTasks != 2 {
		t.Fatalf("max_concurrent_tasks = %d, want 2", status.MaxConcurrentTasks)
	}
}

func TestListTasksOrdersRunningFirst(t *testing.T) {
	env := newTestEnv(t)
	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "one"})
	createTask(t, env, map[string]any{"task_id": "t2", "prompt": "two"})
	createTask(t, env, map[string]any{"task_id": "t3", "prompt": "three"})

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/tasks", nil)
	var out struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	decodeInto(t, resp, &out)
	if len(out.Tasks) != 3 {
		t.Fatalf("GET /v1/tasks = %d tasks, want 3", len(out.Tasks))
	}
	if out.Tasks[0].ID != "t1" || out.Tasks[1].ID != "t2" || out.Tasks[2].ID != "t3" {
		t.Fatalf("task order = %s,%s,%s want t1,t2,t3", out.Tasks[0].ID, out.Tasks[1].ID, out.Tasks[2].ID)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	finished := time.Now().UTC()
	rec := history.Record{
		TaskID:     "done-1",
		SessionID:  "sess-1",
		Prompt:     "compile release notes",
		Model:      "sonnet",
		Source:     "api",
		Status:     "completed",
		Summary:    "Wrote the notes.",
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
		Messages: []history.Message{
			{Role: "assistant", Content: "Done.", At: finished},
		},
	}
	if err := env.history.SaveTask(context.Background(), rec); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/history", nil)
	var list struct {
		Tasks []historyTaskView `json:"tasks"`
	}
	decodeInto(t, resp, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].TaskID != "done-1" {
		t.Fatalf("history list = %+v, want one record", list.Tasks)
	}
	if len(list.Tasks[0].Messages) != 0 {
		t.Fatal("history list includes messages, want transcript only on detail")
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/history?task_id=done-1", nil)
	var detail historyTaskView
	decodeInto(t, resp, &detail)
	if detail.Summary != "Wrote the notes." || len(detail.Messages) != 1 {
		t.Fatalf("history detail = %+v, want summary and transcript", detail)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/history?task_id=ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("history unknown task status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/history?limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("history bad limit status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	resp.Body.Close()
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/settings", nil)
	var current settingsPayload
	decodeInto(t, resp, &current)
	if current.DefaultModel != "sonnet" {
		t.Fatalf("default model = %q, want %q", current.DefaultModel, "sonnet")
	}

	resp = doJSON(t, http.MethodPut, env.srv.URL+"/v1/settings", settingsPayload{
		DefaultModel:       "opus",
		RequireCompletion:  true,
		MaxContinuations:   3,
		AutoRejectPatterns: []string{`git\s+push\s+--force`},
		RedactPII:          true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT settings status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var updated settingsPayload
	decodeInto(t, resp, &updated)
	if updated.DefaultModel != "opus" || !updated.RequireCompletion || updated.MaxContinuations != 3 {
		t.Fatalf("PUT settings = %+v, want the submitted values", updated)
	}

	// Updated patterns take effect on the permission gate immediately.
	verdict := env.gate.Evaluate(events.PermissionRequest{Tool: "bash", Input: "git push --force origin main"})
	if !verdict.AutoReject {
		t.Fatal("gate did not pick up the new auto-reject pattern")
	}

	resp = doJSON(t, http.MethodPut, env.srv.URL+"/v1/settings", settingsPayload{
		DefaultModel:       "opus",
		AutoRejectPatterns: []string{"["},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("PUT invalid pattern status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if code := errorCode(t, resp); code != "invalid_settings" {
		t.Fatalf("PUT invalid pattern code = %q, want %q", code, "invalid_settings")
	}
}

func TestSchedulesCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/v1/schedules", map[string]any{
		"spec":   "0 9 * * *",
		"prompt": "daily triage",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST schedule status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var job recurring.Job
	decodeInto(t, resp, &job)
	if job.ID == "" {
		t.Fatal("created schedule id is empty, want generated id")
	}

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/schedules", map[string]any{
		"id":     job.ID,
		"spec":   "0 10 * * *",
		"prompt": "duplicate",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("POST duplicate schedule status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/v1/schedules", map[string]any{
		"spec":   "whenever",
		"prompt": "never",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST invalid spec status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/v1/schedules", nil)
	var list struct {
		Jobs []recurring.Job `json:"jobs"`
	}
	decodeInto(t, resp, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("GET schedules = %d jobs, want 1", len(list.Jobs))
	}

	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/schedules/"+job.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE schedule status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/schedules/"+job.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE missing schedule status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestPerfStagesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.stages.Observe(observability.StageSetup, 42)

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/v1/perf/stages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET perf stages status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var snap observability.StageSnapshot
	decodeInto(t, resp, &snap)
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageSetup && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot = %+v, want a setup stage with one sample", snap.Stages)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/healthz", nil)
	var health map[string]any
	decodeInto(t, resp, &health)
	if health["status"] != "ok" || health["history_store"] != "memory" {
		t.Fatalf("healthz = %+v, want ok with memory store", health)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/readyz", nil)
	var ready map[string]any
	decodeInto(t, resp, &ready)
	if ready["status"] != "ready" {
		t.Fatalf("readyz = %+v, want ready", ready)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()
}

func dialStream(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(env.srv.URL, "http", "ws", 1) + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestStreamDeliversTaskEnvelopes(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env, nil)
	defer conn.Close()
	eventually(t, func() bool { return env.hub.SubscriberCount() == 1 }, "stream subscription")

	createTask(t, env, map[string]any{"task_id": "t1", "prompt": "stream me"})

	// Setup progress envelopes flow through the hub; wait for the
	// environment stage which closes out setup.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a task_progress envelope")
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		parsed, err := protocol.ParseServerMessage(data)
		if err != nil {
			t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
		}
		progress, ok := parsed.(protocol.TaskProgress)
		if !ok {
			continue
		}
		if progress.TaskID != "t1" {
			t.Fatalf("progress task id = %q, want t1", progress.TaskID)
		}
		if progress.Stage == string(events.StageEnvironment) {
			return
		}
	}
}

func TestStreamRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t)

	wsURL := strings.Replace(env.srv.URL, "http", "ws", 1) + "/v1/stream"
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin dial succeeded, want handshake rejection")
	}
	if resp != nil {
		resp.Body.Close()
	}

	// Same-origin connections are accepted.
	header = http.Header{}
	header.Set("Origin", env.srv.URL)
	conn, resp, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("same-origin dial error = %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}
