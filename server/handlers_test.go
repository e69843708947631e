package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"flashback/core/agent"
	"flashback/core/apperr"
	"flashback/core/ingest"
	"flashback/core/pipeline"
	"flashback/model"
)

const testTaskID = "6c1f3a52-8f0e-4b7a-9d2c-2e5b4c7d9a10"

type fakeIngester struct {
	mu       sync.Mutex
	err      error
	filename string
	body     string
}

func (f *fakeIngester) Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error) {
	data, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	f.filename, f.body = in.Filename, string(data)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Result{TaskID: testTaskID, Chapters: []string{"Origins", "Legacy"}}, nil
}

type fakeTasks struct {
	task      *model.Task
	err       error
	processed []*model.ProcessedChapter
}

func (f *fakeTasks) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.task == nil || f.task.ID != id {
		return nil, nil
	}
	return f.task, nil
}

func (f *fakeTasks) GetChapters(ctx context.Context, id string) ([]model.Chapter, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Chapters, nil
}

func (f *fakeTasks) GetProcessedChapters(ctx context.Context, taskID string) ([]*model.ProcessedChapter, error) {
	return f.processed, nil
}

// fakeProcessor replays events, or blocks until cancelled when block is set.
type fakeProcessor struct {
	events []pipeline.Event
	block  bool

	reqs      chan pipeline.Request
	cancelled chan struct{}
}

func newFakeProcessor(events ...pipeline.Event) *fakeProcessor {
	return &fakeProcessor{
		events:    events,
		reqs:      make(chan pipeline.Request, 1),
		cancelled: make(chan struct{}),
	}
}

func (f *fakeProcessor) Run(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error {
	f.reqs <- req
	for _, e := range f.events {
		if err := sink.Send(ctx, e); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		close(f.cancelled)
		return ctx.Err()
	}
	return nil
}

type fakeEvents struct{}

func (fakeEvents) Events(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	return []json.RawMessage{json.RawMessage(`{"status":"completed"}`)}, nil
}

func (fakeEvents) LastStatus(ctx context.Context, taskID string) (string, error) {
	return "completed", nil
}

func sampleTask() *model.Task {
	return &model.Task{
		ID:               testTaskID,
		OriginalFilename: "history.md",
		Status:           model.TaskStatusPending,
		Chapters: []model.Chapter{
			{Title: "Origins", Content: "How it started."},
			{Title: "Legacy", Content: "What remains."},
		},
		UploadedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestServer(t *testing.T, ing Ingester, tasks TaskReader, proc Processor, events EventLog, opts Options) *httptest.Server {
	t.Helper()
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = t.TempDir()
	}
	h := NewHandler(context.Background(), opts, ing, tasks, proc, events)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadHandler(t *testing.T) {
	ing := &fakeIngester{}
	srv := newTestServer(t, ing, &fakeTasks{}, newFakeProcessor(), nil, Options{MaxUploadBytes: 1 << 20})

	body, ct := multipartBody(t, "file", "history.md", []byte("# Origins\nHow it started.\n"))
	resp, err := http.Post(srv.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.TaskID != testTaskID || len(res.Chapters) != 2 {
		t.Fatalf("result = %+v", res)
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.filename != "history.md" || !strings.HasPrefix(ing.body, "# Origins") {
		t.Fatalf("ingester got %q / %q", ing.filename, ing.body)
	}
}

func TestUploadHandlerErrors(t *testing.T) {
	cases := []struct {
		name   string
		field  string
		size   int
		ingErr error
		want   int
	}{
		{"too large", "file", 2048, nil, http.StatusRequestEntityTooLarge},
		{"ingest too large", "file", 10, ingest.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{"unsupported", "file", 10, apperr.Invalid("filename", "unsupported extension"), http.StatusUnprocessableEntity},
		{"missing field", "document", 10, nil, http.StatusBadRequest},
		{"subject listing failed", "file", 10, &apperr.AdapterError{Service: "mistral", Op: "chat", StatusCode: 503}, http.StatusBadGateway},
		{"store down", "file", 10, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := &fakeIngester{err: tc.ingErr}
			srv := newTestServer(t, ing, &fakeTasks{}, newFakeProcessor(), nil, Options{MaxUploadBytes: 1024})

			body, ct := multipartBody(t, tc.field, "notes.md", bytes.Repeat([]byte("a"), tc.size))
			resp, err := http.Post(srv.URL+"/api/upload", ct, body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			var detail map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil || detail["detail"] == "" {
				t.Fatalf("error body = %v (%v)", detail, err)
			}
		})
	}
}

func TestTaskStatusHandler(t *testing.T) {
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{task: sampleTask()}, newFakeProcessor(), fakeEvents{}, Options{})

	resp, err := http.Get(srv.URL + "/api/tasks/" + testTaskID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.TaskID != testTaskID || got.OriginalFilename != "history.md" || got.Progress != "completed" {
		t.Fatalf("response = %+v", got)
	}
	if strings.Join(got.Chapters, ",") != "Origins,Legacy" {
		t.Fatalf("chapters = %v", got.Chapters)
	}

	resp2, err := http.Get(srv.URL + "/api/tasks/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", resp2.StatusCode)
	}
}

func TestProcessedChaptersAndEvents(t *testing.T) {
	tasks := &fakeTasks{task: sampleTask(), processed: []*model.ProcessedChapter{
		{TaskID: testTaskID, ChapterIndex: 0, Title: "Origins", Status: model.ChapterStatusCompleted, VideoPath: "artifacts/x/videos/chapter_0.mp4"},
	}}

	srv := newTestServer(t, &fakeIngester{}, tasks, newFakeProcessor(), nil, Options{})
	resp, err := http.Get(srv.URL + "/api/tasks/" + testTaskID + "/chapters")
	if err != nil {
		t.Fatal(err)
	}
	var rows []model.ProcessedChapter
	json.NewDecoder(resp.Body).Decode(&rows)
	resp.Body.Close()
	if len(rows) != 1 || rows[0].Status != model.ChapterStatusCompleted {
		t.Fatalf("rows = %+v", rows)
	}

	resp, err = http.Get(srv.URL + "/api/tasks/" + testTaskID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("events without a log: status = %d", resp.StatusCode)
	}

	withLog := newTestServer(t, &fakeIngester{}, tasks, newFakeProcessor(), fakeEvents{}, Options{})
	resp, err = http.Get(withLog.URL + "/api/tasks/" + testTaskID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var events []map[string]any
	json.NewDecoder(resp.Body).Decode(&events)
	if len(events) != 1 || events[0]["status"] != "completed" {
		t.Fatalf("events = %v", events)
	}
}

func TestArtifactsHandler(t *testing.T) {
	dir := t.TempDir()
	videoDir := filepath.Join(dir, testTaskID, "videos")
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(videoDir, "chapter_0.mp4"), []byte("mp4"), 0644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{}, newFakeProcessor(), nil, Options{ArtifactsDir: dir})

	resp, err := http.Get(srv.URL + "/artifacts/" + testTaskID + "/videos/chapter_0.mp4")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != "mp4" {
		t.Fatalf("status = %d body = %q", resp.StatusCode, data)
	}

	resp, err = http.Get(srv.URL + "/artifacts/" + testTaskID + "/videos/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("directory listing status = %d", resp.StatusCode)
	}
}

func dialProcess(t *testing.T, srv *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/process?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			t.Logf("message before close: %s", msg)
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%s), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func TestProcessWebSocketRejectsInvalidTask(t *testing.T) {
	proc := newFakeProcessor()
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{task: sampleTask()}, proc, nil, Options{})

	for _, q := range []url.Values{
		{},
		{"task_id": {"does-not-exist"}},
	} {
		conn := dialProcess(t, srv, q)
		expectClose(t, conn, CloseInvalidTask)
	}
	select {
	case req := <-proc.reqs:
		t.Fatalf("processor ran for %+v", req)
	default:
	}
}

func TestProcessWebSocketStreamsEvents(t *testing.T) {
	zero := 0
	events := []pipeline.Event{
		{Status: pipeline.StatusProcessing, Chapter: &zero, TotalChapters: 2},
		{Status: pipeline.StatusProcessing, Chapter: &zero, Event: pipeline.EventScript},
		{Status: pipeline.StatusChapterComplete, Chapter: &zero, ChapterTitle: "Origins", VideoPath: "v.mp4"},
		{Status: pipeline.StatusCompleted, Message: "1 chapter(s) processed successfully"},
	}
	proc := newFakeProcessor(events...)
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{task: sampleTask()}, proc, nil, Options{})

	conn := dialProcess(t, srv, url.Values{"task_id": {testTaskID}, "content_type": {"quiz"}, "end_chapter": {"1"}})
	for i, want := range events {
		var got pipeline.Event
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got.Status != want.Status || got.Event != want.Event || got.Message != want.Message {
			t.Fatalf("event %d = %+v, want %+v", i, got, want)
		}
	}
	expectClose(t, conn, websocket.CloseNormalClosure)

	req := <-proc.reqs
	if req.TaskID != testTaskID || req.ContentType != agent.ContentTypeQuiz || req.StartChapter != 0 || req.EndChapter != 1 {
		t.Fatalf("request = %+v", req)
	}
}

func TestProcessWebSocketDisconnectCancelsRun(t *testing.T) {
	proc := newFakeProcessor(pipeline.Event{Status: pipeline.StatusProcessing})
	proc.block = true
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{task: sampleTask()}, proc, nil, Options{})

	conn := dialProcess(t, srv, url.Values{"task_id": {testTaskID}})
	var first pipeline.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	select {
	case <-proc.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled after the client disconnected")
	}
}

func TestProcessWebSocketBadRange(t *testing.T) {
	proc := newFakeProcessor()
	srv := newTestServer(t, &fakeIngester{}, &fakeTasks{task: sampleTask()}, proc, nil, Options{})

	conn := dialProcess(t, srv, url.Values{"task_id": {testTaskID}, "start_chapter": {"first"}})
	var got pipeline.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != pipeline.StatusError || !strings.Contains(got.Message, "start_chapter") {
		t.Fatalf("event = %+v", got)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestParseProcessQueryDefaults(t *testing.T) {
	req, err := parseProcessQuery(url.Values{"task_id": {" " + testTaskID + " "}})
	if err != nil {
		t.Fatal(err)
	}
	want := pipeline.Request{
		TaskID:       testTaskID,
		ContentType:  agent.ContentTypeKeyMoment,
		StartChapter: pipeline.DefaultStartChapter,
		EndChapter:   pipeline.DefaultEndChapter,
	}
	if req != want {
		t.Fatalf("request = %+v, want %+v", req, want)
	}

	req, err = parseProcessQuery(url.Values{"task_id": {testTaskID}, "content_type": {"Key-Character"}, "start_chapter": {"2"}, "end_chapter": {"9"}})
	if err != nil {
		t.Fatal(err)
	}
	if req.ContentType != agent.ContentTypeKeyCharacter || req.StartChapter != 2 || req.EndChapter != 9 {
		t.Fatalf("request = %+v", req)
	}

	if _, err := parseProcessQuery(url.Values{"end_chapter": {"1.5"}}); !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}
