package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flashback/core/agent"
	"flashback/core/apperr"
	"flashback/core/pipeline"
	"flashback/logger"
)

// CloseInvalidTask is sent when the task id is missing or unknown.
const CloseInvalidTask = 4003

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	closeGrace     = 2 * time.Second
	sendBufferSize = 64
)

var errSessionClosed = errors.New("websocket session closed")

// parseProcessQuery reads task_id, content_type, start_chapter and
// end_chapter, applying the defaults.
func parseProcessQuery(q url.Values) (pipeline.Request, error) {
	req := pipeline.Request{
		TaskID:       strings.TrimSpace(q.Get("task_id")),
		ContentType:  agent.ContentTypeKeyMoment,
		StartChapter: pipeline.DefaultStartChapter,
		EndChapter:   pipeline.DefaultEndChapter,
	}
	if ct := q.Get("content_type"); ct != "" {
		req.ContentType = agent.ParseContentType(ct)
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"start_chapter", &req.StartChapter}, {"end_chapter", &req.EndChapter}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return req, apperr.Invalid(p.name, "%q is not an integer", raw)
		}
		*p.dst = v
	}
	return req, nil
}

// ProcessWebSocketHandler runs the pipeline for the requested chapters and
// streams its progress. Closing the socket cancels the run.
func (h *Handler) ProcessWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	req, parseErr := parseProcessQuery(r.URL.Query())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", logger.ErrorField(err))
		return
	}

	if req.TaskID == "" {
		closeWithCode(conn, CloseInvalidTask, "Invalid task_id")
		return
	}
	chapters, err := h.tasks.GetChapters(r.Context(), req.TaskID)
	if err != nil {
		logger.Error("Failed to load chapters", logger.TaskID(req.TaskID), logger.ErrorField(err))
		sendAndClose(conn, pipeline.Event{Status: pipeline.StatusError, Message: "record store unavailable"})
		return
	}
	if len(chapters) == 0 {
		logger.Info("Rejected unknown task", logger.TaskID(req.TaskID))
		closeWithCode(conn, CloseInvalidTask, "Invalid task_id")
		return
	}
	if parseErr != nil {
		sendAndClose(conn, pipeline.Event{Status: pipeline.StatusError, Message: parseErr.Error()})
		return
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	s := newSession(conn, req.TaskID)
	go s.writePump()
	go s.readPump(cancel)

	logger.Info("Processing session opened",
		logger.TaskID(req.TaskID),
		logger.String("contentType", string(req.ContentType)),
		logger.Int("start", req.StartChapter),
		logger.Int("end", req.EndChapter))

	if err := h.processor.Run(ctx, req, s); err != nil {
		logger.Debug("Processing session ended with error", logger.TaskID(req.TaskID), logger.ErrorField(err))
	}
	s.finish()
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logger.Debug("Failed to send close frame", logger.ErrorField(err))
	}
	conn.Close()
}

func sendAndClose(conn *websocket.Conn, e pipeline.Event) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(e); err != nil {
		logger.Debug("Failed to send event", logger.ErrorField(err))
	}
	closeWithCode(conn, websocket.CloseNormalClosure, "")
}

// session owns one processing connection. The pipeline pushes events
// through Send; writePump is the only writer on the connection.
type session struct {
	conn   *websocket.Conn
	taskID string

	send      chan []byte
	closeOnce sync.Once
	writeDone chan struct{}
	readDone  chan struct{}
}

var _ pipeline.Sink = (*session)(nil)

func newSession(conn *websocket.Conn, taskID string) *session {
	return &session{
		conn:      conn,
		taskID:    taskID,
		send:      make(chan []byte, sendBufferSize),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Send queues e for delivery. It only blocks while the buffer is full and
// fails once the writer has stopped.
func (s *session) Send(ctx context.Context, e pipeline.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.writeDone:
		return errSessionClosed
	}
}

// finish flushes queued events, sends a normal close and releases the connection.
func (s *session) finish() {
	s.closeOnce.Do(func() { close(s.send) })
	<-s.writeDone
	select {
	case <-s.readDone:
	case <-time.After(closeGrace):
	}
	s.conn.Close()
}

func (s *session) readPump(cancel context.CancelFunc) {
	defer func() {
		cancel()
		close(s.readDone)
	}()

	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Processing socket closed by client", logger.TaskID(s.taskID), logger.ErrorField(err))
			}
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writeDone)
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Processing socket write failed", logger.TaskID(s.taskID), logger.ErrorField(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
