package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
)

const doneFrame = "[DONE]"

// frameWriter delivers one data frame to a streaming client.
type frameWriter interface {
	WriteFrame(data string) error
}

type sseFrames struct {
	sess *sse.Session
}

func (f sseFrames) WriteFrame(data string) error {
	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(data)
	if err := f.sess.Send(msg); err != nil {
		return err
	}
	return f.sess.Flush()
}

type wsFrames struct {
	conn *websocket.Conn
}

func (f wsFrames) WriteFrame(data string) error {
	_ = f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return f.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func errorFrame(text string) string {
	data, _ := json.Marshal(map[string]string{"error": text})
	return string(data)
}

// sessionParam returns the trimmed session_id path value, answering 400 when
// it is blank.
func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id is required."})
		return "", false
	}
	return sessionID, true
}

func streamParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return "", "", false
	}
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return "", "", false
	}
	message := r.URL.Query().Get("message")
	if strings.TrimSpace(message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required."})
		return "", "", false
	}
	return sessionID, message, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID, message, ok := streamParams(w, r)
	if !ok {
		return
	}
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	s.relay(r.Context(), sseFrames{sess: sess}, sessionID, message)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, message, ok := streamParams(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	// A hijacked connection no longer cancels the request context, so the
	// read side does it. Incoming frames are ignored.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if s.relay(ctx, wsFrames{conn: conn}, sessionID, message) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}

// relay runs one backend invocation and forwards its records as frames:
// payloads then [DONE], or payloads then a single error frame. It reports
// whether the stream reached its terminal frame.
func (s *Server) relay(ctx context.Context, out frameWriter, sessionID, message string) (finished bool) {
	s.history.Ensure(sessionID)
	inv := s.bridge.Stream(ctx, sessionID, message)
	defer func() {
		inv.Close()
		res := inv.Wait()
		s.logger.Info("stream finished",
			"session_id", sessionID,
			"mode", string(inv.Mode()),
			"exit_code", res.ExitCode,
			"records", res.Records,
			"timed_out", res.TimedOut,
			"leaked", res.Leaked,
			"duration", res.Duration,
		)
	}()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("stream panicked", "session_id", sessionID, "panic", p, "stack", string(debug.Stack()))
			finished = out.WriteFrame(errorFrame(fmt.Sprintf("internal error: %v", p))) == nil
		}
	}()

	for rec := range inv.Records() {
		if rec.IsError() {
			return out.WriteFrame(errorFrame(rec.Err)) == nil
		}
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			return out.WriteFrame(errorFrame(fmt.Sprintf("encoding record: %v", err))) == nil
		}
		if err := out.WriteFrame(string(data)); err != nil {
			s.logger.Debug("client went away", "session_id", sessionID, "error", err)
			return false
		}
	}
	if ctx.Err() != nil {
		return false
	}
	// The channel closes without an error record only when the bridge saw a
	// clean exit; anything else must not look like a completed reply.
	if res := inv.Wait(); !res.Clean() {
		msg := fmt.Sprintf("backend ended unexpectedly: exit code %d", res.ExitCode)
		if res.Err != nil {
			msg = fmt.Sprintf("backend ended unexpectedly: %v", res.Err)
		}
		return out.WriteFrame(errorFrame(msg)) == nil
	}
	return out.WriteFrame(doneFrame) == nil
}
