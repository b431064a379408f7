package achievement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifier_PostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, srv.Client())
	err := n.Notify(context.Background(), Event{
		Type:     EventDuelCompleted,
		SourceID: "m1",
		Results:  []Result{{UserID: "u1", Score: 30, CorrectAnswers: 3, TotalQuestions: 4, Accuracy: Accuracy(3, 4), Won: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", got.SourceID)
	require.Len(t, got.Results, 1)
	assert.Equal(t, 75.0, got.Results[0].Accuracy)
}

func TestHTTPNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(srv.URL, nil).Notify(context.Background(), Event{Type: EventSessionCompleted})
	assert.Error(t, err)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestAsync_DoesNotSurfaceFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("boom")}
	a := NewAsync(rec, time.Second, zerolog.Nop())

	for i := 0; i < 5; i++ {
		assert.NoError(t, a.Notify(context.Background(), Event{Type: EventSessionCompleted}))
	}
	a.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.events, 5)
}

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 0.0, Accuracy(3, 0))
	assert.Equal(t, 50.0, Accuracy(1, 2))
}
