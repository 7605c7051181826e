package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forged/services/stage"
)

type recordingGit struct {
	mu     sync.Mutex
	calls  [][]string
	dirs   []string
	failOn string
}

func (g *recordingGit) Run(_ context.Context, dir string, args ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, args)
	g.dirs = append(g.dirs, dir)
	if g.failOn != "" && containsArg(args, g.failOn) {
		return &CommandError{Args: redact(args), Output: "fatal: unable to access", Err: errors.New("exit status 128")}
	}
	return nil
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// fakeGitHub serves the two REST endpoints used by publication and remembers created names.
type fakeGitHub struct {
	mu        sync.Mutex
	owner     string
	repos     map[string]bool
	pages     []string
	pagesCode int
}

func newFakeGitHub(t *testing.T, owner string) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	fake := &fakeGitHub{owner: owner, repos: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/user/repos", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name    string `json:"name"`
			Private bool   `json:"private"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.False(t, body.Private)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		fake.mu.Lock()
		defer fake.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fake.repos[body.Name] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Repository creation failed.","errors":[{"resource":"Repository","code":"custom","field":"name","message":"name already exists on this account"}]}`))
			return
		}
		fake.repos[body.Name] = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":      body.Name,
			"full_name": fake.owner + "/" + body.Name,
			"html_url":  "https://github.com/" + fake.owner + "/" + body.Name,
			"clone_url": "https://github.com/" + fake.owner + "/" + body.Name + ".git",
			"owner":     map[string]any{"login": fake.owner},
		})
	})
	mux.HandleFunc("POST /api/v3/repos/{owner}/{repo}/pages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Source struct {
				Branch string `json:"branch"`
				Path   string `json:"path"`
			} `json:"source"`
		}
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			assert.Equal(t, "main", body.Source.Branch)
			assert.Equal(t, "/", body.Source.Path)
		}

		fake.mu.Lock()
		fake.pages = append(fake.pages, r.PathValue("owner")+"/"+r.PathValue("repo"))
		code := fake.pagesCode
		fake.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if code == 0 {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"url":"https://api.github.com/repos/x/y/pages"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fake, srv
}

func newTestPublisher(t *testing.T, baseURL string, git GitRunner) *Publisher {
	t.Helper()
	hosting, err := NewGitHub(GitHubOptions{Token: "secret-token", BaseURL: baseURL + "/", RPS: 100, Burst: 10}, zerolog.Nop())
	require.NoError(t, err)
	pub, err := New(hosting, git, Options{Username: "octo", Token: "secret-token"}, zerolog.Nop())
	require.NoError(t, err)
	return pub
}

func TestPublishSuccess(t *testing.T) {
	fake, srv := newFakeGitHub(t, "octo")
	git := &recordingGit{}
	pub := newTestPublisher(t, srv.URL, git)

	bundle := stage.Bundle{Task: "demo1", Dir: "/tmp/staging/demo1"}
	dep, err := pub.Publish(context.Background(), bundle, "demo1")
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/octo/demo1", dep.RepoURL)
	assert.Equal(t, "main", dep.CommitRef)
	assert.Equal(t, "https://octo.github.io/demo1/", dep.PagesURL)
	assert.Equal(t, "https://github.com/octo/demo1.git", dep.CloneURL)
	assert.Equal(t, []string{"octo/demo1"}, fake.pages)

	require.Len(t, git.calls, 6)
	for _, dir := range git.dirs {
		assert.Equal(t, "/tmp/staging/demo1", dir)
	}
	assert.Equal(t, []string{"init"}, git.calls[0])
	assert.Equal(t, []string{"add", "."}, git.calls[1])
	assert.Equal(t, []string{"-c", "user.name=octo", "-c", "user.email=octo@users.noreply.github.com", "commit", "-m", "Initial commit"}, git.calls[2])
	assert.Equal(t, []string{"branch", "-M", "main"}, git.calls[3])
	assert.Equal(t, []string{"remote", "add", "origin", "https://github.com/octo/demo1.git"}, git.calls[4])

	push := git.calls[5]
	assert.Equal(t, []string{"push", "-u", "origin", "main"}, push[2:])
	assert.True(t, strings.HasPrefix(push[1], "http.extraHeader=Authorization: Basic "))
	assert.NotContains(t, git.calls[4], "secret-token", "token must not end up in the remote URL")
}

func TestPublishCollisionSurfaces(t *testing.T) {
	_, srv := newFakeGitHub(t, "octo")
	git := &recordingGit{}
	pub := newTestPublisher(t, srv.URL, git)
	bundle := stage.Bundle{Task: "demo1", Dir: t.TempDir()}

	_, err := pub.Publish(context.Background(), bundle, "demo1")
	require.NoError(t, err)
	calls := len(git.calls)

	_, err = pub.Publish(context.Background(), bundle, "demo1")
	require.Error(t, err)

	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, StepCreateRepository, pubErr.Step)
	assert.ErrorIs(t, err, ErrRepositoryExists)
	assert.Len(t, git.calls, calls, "no git command runs after a collision")
}

func TestPublishPushFailure(t *testing.T) {
	fake, srv := newFakeGitHub(t, "octo")
	git := &recordingGit{failOn: "push"}
	pub := newTestPublisher(t, srv.URL, git)

	_, err := pub.Publish(context.Background(), stage.Bundle{Task: "demo2", Dir: t.TempDir()}, "demo2")

	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, StepPush, pubErr.Step)
	assert.Empty(t, fake.pages, "pages are not enabled after a failed push")
	assert.NotContains(t, err.Error(), "Basic ", "credentials are redacted from errors")
}

func TestPublishPagesAlreadyEnabled(t *testing.T) {
	fake, srv := newFakeGitHub(t, "octo")
	fake.pagesCode = http.StatusConflict
	pub := newTestPublisher(t, srv.URL, &recordingGit{})

	dep, err := pub.Publish(context.Background(), stage.Bundle{Task: "demo3", Dir: t.TempDir()}, "demo3")
	require.NoError(t, err)
	assert.Equal(t, "https://octo.github.io/demo3/", dep.PagesURL)
}

func TestPublishPagesFailure(t *testing.T) {
	fake, srv := newFakeGitHub(t, "octo")
	fake.pagesCode = http.StatusForbidden
	pub := newTestPublisher(t, srv.URL, &recordingGit{})

	_, err := pub.Publish(context.Background(), stage.Bundle{Task: "demo4", Dir: t.TempDir()}, "demo4")

	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, StepEnablePages, pubErr.Step)
}

func TestNewValidation(t *testing.T) {
	_, err := NewGitHub(GitHubOptions{RPS: 1}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewGitHub(GitHubOptions{Token: "t"}, zerolog.Nop())
	assert.Error(t, err)

	hosting, err := NewGitHub(GitHubOptions{Token: "t", RPS: 1}, zerolog.Nop())
	require.NoError(t, err)

	_, err = New(nil, nil, Options{Username: "u", Token: "t"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(hosting, nil, Options{Token: "t"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(hosting, nil, Options{Username: "u"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	got := redact([]string{"-c", "http.extraHeader=Authorization: Basic abc", "push"})
	assert.Equal(t, []string{"-c", "http.extraHeader=<redacted>", "push"}, got)
}
