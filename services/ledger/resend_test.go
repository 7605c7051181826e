package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forged/services/notify"
)

type fakeResendStore struct {
	sub       Submission
	getErr    error
	marked    []bool
	attempts  []int
	audited   []string
	markedRun string
}

func (s *fakeResendStore) Get(_ context.Context, task string) (Submission, error) {
	if s.getErr != nil {
		return Submission{}, s.getErr
	}
	return s.sub, nil
}

func (s *fakeResendStore) MarkNotified(_ context.Context, runID string, delivered bool, attempts int) error {
	s.markedRun = runID
	s.marked = append(s.marked, delivered)
	s.attempts = append(s.attempts, attempts)
	return nil
}

func (s *fakeResendStore) Audit(_ context.Context, actor, action, obj string, _ map[string]any) error {
	s.audited = append(s.audited, actor+":"+action+":"+obj)
	return nil
}

type capturingSender struct {
	bodies  [][]byte
	urls    []string
	outcome notify.Outcome
}

func (c *capturingSender) SendRaw(_ context.Context, body []byte, url string) notify.Outcome {
	c.bodies = append(c.bodies, body)
	c.urls = append(c.urls, url)
	return c.outcome
}

func TestResendUsesStoredBytes(t *testing.T) {
	stored := []byte(`{"email":"a@b.c","task":"demo1","round":1,"nonce":"n1"}`)
	store := &fakeResendStore{sub: Submission{RunID: "r1", Task: "demo1", CallbackURL: "http://eval/cb", Notice: stored}}
	sender := &capturingSender{outcome: notify.Outcome{Delivered: true, Attempts: 2}}

	out, err := Resend(context.Background(), store, sender, "demo1", "ops")
	require.NoError(t, err)

	assert.True(t, out.Delivered)
	require.Len(t, sender.bodies, 1)
	assert.Equal(t, stored, sender.bodies[0])
	assert.Equal(t, "http://eval/cb", sender.urls[0])
	assert.Equal(t, "r1", store.markedRun)
	assert.Equal(t, []bool{true}, store.marked)
	assert.Equal(t, []int{2}, store.attempts)
	assert.Equal(t, []string{"ops:notice_resent:demo1"}, store.audited)
}

func TestResendWithoutNotice(t *testing.T) {
	store := &fakeResendStore{sub: Submission{RunID: "r1", Task: "demo1", Status: "failed"}}
	sender := &capturingSender{}

	_, err := Resend(context.Background(), store, sender, "demo1", "ops")
	assert.ErrorIs(t, err, ErrNotPublished)
	assert.Empty(t, sender.bodies)
	assert.Empty(t, store.marked)
}

func TestResendUnknownTask(t *testing.T) {
	store := &fakeResendStore{getErr: ErrNotFound}
	_, err := Resend(context.Background(), store, &capturingSender{}, "nope", "ops")
	assert.True(t, errors.Is(err, ErrNotFound))
}
