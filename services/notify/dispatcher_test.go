package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callback struct {
	mu        sync.Mutex
	bodies    [][]byte
	types     []string
	succeedOn int
}

func (c *callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.types = append(c.types, r.Header.Get("Content-Type"))
	n := len(c.bodies)
	c.mu.Unlock()

	if c.succeedOn > 0 && n >= c.succeedOn {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestDispatcher(sleeps *recordedSleeps, observer func(Attempt)) *Dispatcher {
	return New(Options{Sleep: sleeps.sleep, Observer: observer}, zerolog.Nop())
}

var demoNotice = Notice{
	Email:     "a@b.c",
	Task:      "demo1",
	Round:     1,
	Nonce:     "n1",
	RepoURL:   "https://github.com/octo/demo1",
	CommitSHA: "main",
	PagesURL:  "https://octo.github.io/demo1/",
}

func TestNotifyAlwaysFailing(t *testing.T) {
	cb := &callback{}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	sleeps := &recordedSleeps{}
	var attempts []Attempt
	d := newTestDispatcher(sleeps, func(a Attempt) { attempts = append(attempts, a) })

	ok := d.Notify(context.Background(), demoNotice, srv.URL)

	assert.False(t, ok)
	assert.Len(t, cb.bodies, 4)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeps.delays)
	require.Len(t, attempts, 4)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, http.StatusInternalServerError, a.StatusCode)
		assert.False(t, a.Delivered)
	}
}

func TestNotifySucceedsOnThirdAttempt(t *testing.T) {
	cb := &callback{succeedOn: 3}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	sleeps := &recordedSleeps{}
	d := newTestDispatcher(sleeps, nil)

	out := d.Send(context.Background(), demoNotice, srv.URL)

	assert.True(t, out.Delivered)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, cb.bodies, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestNotifyFirstAttemptSucceeds(t *testing.T) {
	cb := &callback{succeedOn: 1}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	sleeps := &recordedSleeps{}
	assert.True(t, newTestDispatcher(sleeps, nil).Notify(context.Background(), demoNotice, srv.URL))
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, []string{"application/json"}, cb.types)
}

func TestNotifyBodiesIdentical(t *testing.T) {
	cb := &callback{}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	newTestDispatcher(&recordedSleeps{}, nil).Notify(context.Background(), demoNotice, srv.URL)

	require.Len(t, cb.bodies, 4)
	for _, body := range cb.bodies[1:] {
		assert.Equal(t, cb.bodies[0], body)
	}
	assert.JSONEq(t, `{"email":"a@b.c","task":"demo1","round":1,"nonce":"n1","repo_url":"https://github.com/octo/demo1","commit_sha":"main","pages_url":"https://octo.github.io/demo1/"}`, string(cb.bodies[0]))
}

func TestNotifyNon200SuccessStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	out := newTestDispatcher(&recordedSleeps{}, nil).Send(context.Background(), demoNotice, srv.URL)
	assert.False(t, out.Delivered)
	assert.Equal(t, 4, out.Attempts)
}

func TestNotifyTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var errs int
	d := newTestDispatcher(&recordedSleeps{}, func(a Attempt) {
		if a.Err != nil {
			errs++
		}
	})
	assert.False(t, d.Notify(context.Background(), demoNotice, url))
	assert.Equal(t, 4, errs)
}

func TestNotifyStopsWhenContextCancelled(t *testing.T) {
	cb := &callback{}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := New(Options{}, zerolog.Nop())
	cancel()

	out := d.Send(ctx, demoNotice, srv.URL)
	assert.False(t, out.Delivered)
	assert.Equal(t, 1, out.Attempts)
}

func TestSendRawUsesExactBytes(t *testing.T) {
	cb := &callback{succeedOn: 2}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	raw := []byte(`{"task":"demo1","nonce":"n1"}`)
	out := newTestDispatcher(&recordedSleeps{}, nil).SendRaw(context.Background(), raw, srv.URL)

	assert.True(t, out.Delivered)
	require.Len(t, cb.bodies, 2)
	assert.Equal(t, raw, cb.bodies[0])
	assert.Equal(t, raw, cb.bodies[1])
}

func TestScheduleCustomBase(t *testing.T) {
	s := newSchedule(100*time.Millisecond, 3, false)
	assert.Equal(t, 100*time.Millisecond, s.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, s.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, s.NextBackOff())
	assert.Equal(t, time.Duration(-1), s.NextBackOff())
}

func TestScheduleJitterKeepsAttemptBound(t *testing.T) {
	s := newSchedule(time.Second, 4, true)
	for i := 0; i < 4; i++ {
		d := s.NextBackOff()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 16*time.Second)
	}
	assert.Equal(t, time.Duration(-1), s.NextBackOff())
}
