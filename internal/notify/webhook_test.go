package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/event"
	"shopflow/internal/types"
	"shopflow/internal/util"
)

type sink struct {
	mu       sync.Mutex
	got      []Notification
	traceIDs []string
	failures int32 // 前 N 次请求返回 503
}

func (s *sink) handler(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.got = append(s.got, n)
	s.traceIDs = append(s.traceIDs, r.Header.Get("X-Trace-ID"))
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(Ack{Accepted: true})
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func newWebhook(t *testing.T, s *sink) *Webhook {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/transition", s.handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	w := NewWebhook(srv.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	w.Backoff = time.Millisecond
	return w
}

func TestNotifyRetriesAndCarriesTraceID(t *testing.T) {
	s := &sink{failures: 1}
	w := newWebhook(t, s)
	ctx := util.ContextWithTraceID(context.Background(), "trace-42")

	err := w.Notify(ctx, Notification{RepairOrderID: "RO1", StageID: "RO1-1", From: types.StatusReady, To: types.StatusInProgress})
	require.NoError(t, err)
	require.Equal(t, 1, s.count())
	assert.Equal(t, "trace-42", s.traceIDs[0])
	assert.Equal(t, types.StatusInProgress, s.got[0].To)
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	s := &sink{failures: 10}
	w := newWebhook(t, s)
	err := w.Notify(context.Background(), Notification{StageID: "RO1-1"})
	assert.ErrorContains(t, err, "503")
	assert.Zero(t, s.count())
}

func TestSubscribeForwardsTransitions(t *testing.T) {
	s := &sink{}
	w := newWebhook(t, s)
	bus := event.NewBus()
	w.Subscribe(bus)

	stage := types.StageRecord{ID: "RO1-2", RepairOrderID: "RO1", Status: types.StatusCompleted}
	bus.Publish(event.Event{
		Type:          event.StageTransitioned,
		RepairOrderID: "RO1",
		StageID:       "RO1-2",
		Stage:         &stage,
		From:          types.StatusInProgress,
		To:            types.StatusCompleted,
		TraceID:       "trace-7",
	})
	bus.Drain()

	require.Equal(t, 1, s.count())
	assert.Equal(t, "RO1-2", s.got[0].Stage.ID)
	assert.Equal(t, "trace-7", s.traceIDs[0])
}
