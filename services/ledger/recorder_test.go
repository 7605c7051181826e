package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forged/pkg/bus"
	"forged/services/pipeline"
)

type nopCloser struct{ closed *int }

func (c nopCloser) Close() error {
	*c.closed++
	return nil
}

type fakeSubscriber struct {
	handlers map[string]bus.Handler
	durables []string
	closed   int
	failOn   string
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, fn bus.Handler) (io.Closer, error) {
	if subj == f.failOn {
		return nil, errors.New("no stream")
	}
	if f.handlers == nil {
		f.handlers = map[string]bus.Handler{}
	}
	f.handlers[subj] = fn
	f.durables = append(f.durables, durable)
	return nopCloser{closed: &f.closed}, nil
}

func (f *fakeSubscriber) deliver(t *testing.T, subj string, v any) error {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	h, ok := f.handlers[subj]
	require.True(t, ok, "no handler for %s", subj)
	return h(context.Background(), data)
}

type fakeWriter struct {
	mu        sync.Mutex
	received  []pipeline.TaskReceivedEvent
	failed    []pipeline.TaskFailedEvent
	published []pipeline.TaskPublishedEvent
	notices   []pipeline.NoticeEvent
	archives  []pipeline.ArchiveStoredEvent
	err       error
}

func (w *fakeWriter) RecordReceived(_ context.Context, evt pipeline.TaskReceivedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received = append(w.received, evt)
	return w.err
}

func (w *fakeWriter) RecordFailed(_ context.Context, evt pipeline.TaskFailedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = append(w.failed, evt)
	return w.err
}

func (w *fakeWriter) RecordPublished(_ context.Context, evt pipeline.TaskPublishedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = append(w.published, evt)
	return w.err
}

func (w *fakeWriter) RecordNotice(_ context.Context, evt pipeline.NoticeEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notices = append(w.notices, evt)
	return w.err
}

func (w *fakeWriter) RecordArchive(_ context.Context, evt pipeline.ArchiveStoredEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.archives = append(w.archives, evt)
	return w.err
}

func startRecorder(t *testing.T, sub *fakeSubscriber, w *fakeWriter) *Recorder {
	t.Helper()
	rec, err := NewRecorder(sub, w, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func TestRecorderSubscribesToEveryLifecycleSubject(t *testing.T) {
	sub := &fakeSubscriber{}
	startRecorder(t, sub, &fakeWriter{})

	for _, subj := range []string{
		pipeline.SubjectTaskReceived,
		pipeline.SubjectTaskFailed,
		pipeline.SubjectTaskPublished,
		pipeline.SubjectNoticeDelivered,
		pipeline.SubjectNoticeFailed,
		pipeline.SubjectArchiveStored,
	} {
		assert.Contains(t, sub.handlers, subj)
	}
	assert.Len(t, sub.durables, 6)
}

func TestRecorderRoutesEvents(t *testing.T) {
	sub := &fakeSubscriber{}
	w := &fakeWriter{}
	startRecorder(t, sub, w)

	require.NoError(t, sub.deliver(t, pipeline.SubjectTaskReceived, pipeline.TaskReceivedEvent{RunID: "r1", Task: "demo1", Nonce: "n1"}))
	require.NoError(t, sub.deliver(t, pipeline.SubjectTaskPublished, pipeline.TaskPublishedEvent{RunID: "r1", Task: "demo1", Notice: json.RawMessage(`{"nonce":"n1"}`)}))
	require.NoError(t, sub.deliver(t, pipeline.SubjectNoticeFailed, pipeline.NoticeEvent{RunID: "r1", Attempts: 4}))
	require.NoError(t, sub.deliver(t, pipeline.SubjectTaskFailed, pipeline.TaskFailedEvent{RunID: "r2", Stage: pipeline.StagePublication}))
	require.NoError(t, sub.deliver(t, pipeline.SubjectArchiveStored, pipeline.ArchiveStoredEvent{RunID: "r1", Key: "bundles/demo1/r1.tar.zst"}))

	require.Len(t, w.received, 1)
	assert.Equal(t, "n1", w.received[0].Nonce)
	require.Len(t, w.published, 1)
	assert.JSONEq(t, `{"nonce":"n1"}`, string(w.published[0].Notice))
	require.Len(t, w.notices, 1)
	assert.Equal(t, 4, w.notices[0].Attempts)
	require.Len(t, w.failed, 1)
	assert.Equal(t, pipeline.StagePublication, w.failed[0].Stage)
	require.Len(t, w.archives, 1)
}

func TestRecorderDropsMalformedEvents(t *testing.T) {
	sub := &fakeSubscriber{}
	w := &fakeWriter{}
	startRecorder(t, sub, w)

	assert.NoError(t, sub.handlers[pipeline.SubjectTaskReceived](context.Background(), []byte("not json")))
	assert.NoError(t, sub.deliver(t, pipeline.SubjectTaskReceived, pipeline.TaskReceivedEvent{Task: "no run id"}))
	assert.NoError(t, sub.deliver(t, pipeline.SubjectArchiveStored, pipeline.ArchiveStoredEvent{RunID: "r1"}))
	assert.Empty(t, w.received)
	assert.Empty(t, w.archives)
}

func TestRecorderRedeliversOnWriteFailure(t *testing.T) {
	sub := &fakeSubscriber{}
	w := &fakeWriter{err: errors.New("db down")}
	startRecorder(t, sub, w)

	err := sub.deliver(t, pipeline.SubjectTaskReceived, pipeline.TaskReceivedEvent{RunID: "r1"})
	assert.EqualError(t, err, "db down")
}

func TestRecorderStartFailureClosesSubscriptions(t *testing.T) {
	sub := &fakeSubscriber{failOn: pipeline.SubjectNoticeDelivered}
	rec, err := NewRecorder(sub, &fakeWriter{}, zerolog.Nop())
	require.NoError(t, err)

	require.Error(t, rec.Start(context.Background()))
	assert.Equal(t, 3, sub.closed)
}

func TestNewRecorderValidation(t *testing.T) {
	_, err := NewRecorder(nil, &fakeWriter{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewRecorder(&fakeSubscriber{}, nil, zerolog.Nop())
	assert.Error(t, err)
}
