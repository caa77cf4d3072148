package server

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"claude-gateway/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// panicOnceFrames panics on the first frame and records the rest.
type panicOnceFrames struct {
	mu     sync.Mutex
	calls  int
	frames []string
}

func (f *panicOnceFrames) WriteFrame(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		panic("frame writer exploded")
	}
	f.frames = append(f.frames, data)
	return nil
}

func TestRelayPanicBecomesSingleErrorFrame(t *testing.T) {
	s := startIntegrationServer(t, nil)
	out := &panicOnceFrames{}

	finished := s.app.relay(context.Background(), out, uuid.NewString(), "hello")

	assert.True(t, finished)
	require.Len(t, out.frames, 1)
	assert.Equal(t, map[string]any{"error": "internal error: frame writer exploded"}, parseJSON(t, out.frames[0]))
	assert.Equal(t, 0, s.bridge.Active())
}

func TestStreamShutdownEndsWithErrorFrame(t *testing.T) {
	s := startIntegrationServer(t, func(cfg *config.Config) {
		cfg.Backend.MaxDuration = time.Minute
	})

	resp, err := http.Get(s.streamURL(uuid.NewString(), "hang"))
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.app.Shutdown(ctx))

	frames := scanFrames(reader)
	require.Len(t, frames, 1)
	assert.Equal(t, "backend terminated: gateway shutting down", parseJSON(t, frames[0])["error"])
	assert.Equal(t, 0, s.bridge.Active())
}

func TestBlankSessionIDIsRejected(t *testing.T) {
	s := startIntegrationServer(t, nil)

	status, body := getJSON(t, s.http.URL+"/api/stream/%20%20?message=hi")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "session_id is required.", body["error"])
	assert.Empty(t, s.registry.Tokens())

	status, _ = getJSON(t, s.http.URL+"/api/sessions/%20/messages")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodDelete, s.http.URL+"/api/sessions/%20", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionIDIsTrimmedOnEveryRoute(t *testing.T) {
	s := startIntegrationServer(t, nil)
	s.history.Append("padded", "user", "hi")

	status, body := getJSON(t, s.http.URL+"/api/sessions/%20padded%20/messages")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "padded", body["session_id"])

	status, _ = doJSON(t, http.MethodDelete, s.http.URL+"/api/sessions/padded%20", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, s.history.Has("padded"))
}
