// Package publish turns a staged bundle into a hosted repository with a Pages site.
package publish

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"forged/services/stage"
)

const (
	// DefaultBranch is both the pushed branch and the commit reference reported to evaluators.
	DefaultBranch = "main"
	commitMessage = "Initial commit"
	remoteName    = "origin"
)

// Deployment is the outcome of a successful publication.
type Deployment struct {
	RepoURL   string
	CommitRef string
	PagesURL  string
	CloneURL  string
}

// Options holds the account identity used for publication.
type Options struct {
	Username    string
	Token       string
	AuthorName  string
	AuthorEmail string
}

// Publisher creates the repository, pushes the bundle and enables Pages.
type Publisher struct {
	hosting Hosting
	git     GitRunner
	opts    Options
	logger  zerolog.Logger
}

// New returns a Publisher. A nil git runner defaults to ExecGit.
func New(hosting Hosting, git GitRunner, opts Options, logger zerolog.Logger) (*Publisher, error) {
	if hosting == nil {
		return nil, errors.New("hosting client is required")
	}
	if strings.TrimSpace(opts.Username) == "" {
		return nil, errors.New("username is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("token is required")
	}
	if git == nil {
		git = ExecGit{}
	}
	if opts.AuthorName == "" {
		opts.AuthorName = opts.Username
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = opts.Username + "@users.noreply.github.com"
	}
	return &Publisher{
		hosting: hosting,
		git:     git,
		opts:    opts,
		logger:  logger.With().Str("component", "publish").Logger(),
	}, nil
}

// Publish creates a repository named task, pushes bundle.Dir to it and enables Pages. The
// repository name is the idempotency boundary: a second publish of the same task fails at
// StepCreateRepository with ErrRepositoryExists.
func (p *Publisher) Publish(ctx context.Context, bundle stage.Bundle, task string) (Deployment, error) {
	logger := p.logger.With().Str("task", task).Logger()

	repo, err := p.hosting.CreateRepository(ctx, task)
	if err != nil {
		return Deployment{}, &Error{Step: StepCreateRepository, Err: err}
	}
	if repo.Owner == "" {
		repo.Owner = p.opts.Username
	}
	if repo.CloneURL == "" {
		repo.CloneURL = fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, task)
	}
	if repo.HTMLURL == "" {
		repo.HTMLURL = fmt.Sprintf("https://github.com/%s/%s", repo.Owner, task)
	}

	identity := []string{
		"-c", "user.name=" + p.opts.AuthorName,
		"-c", "user.email=" + p.opts.AuthorEmail,
	}
	steps := []struct {
		step Step
		args []string
	}{
		{StepInit, []string{"init"}},
		{StepAdd, []string{"add", "."}},
		{StepCommit, append(identity, "commit", "-m", commitMessage)},
		{StepBranch, []string{"branch", "-M", DefaultBranch}},
		{StepRemote, []string{"remote", "add", remoteName, repo.CloneURL}},
		{StepPush, []string{"-c", "http.extraHeader=" + p.authHeader(), "push", "-u", remoteName, DefaultBranch}},
	}
	for _, s := range steps {
		if err := p.git.Run(ctx, bundle.Dir, s.args...); err != nil {
			logger.Error().Err(err).Str("step", string(s.step)).Msg("git step failed")
			return Deployment{}, &Error{Step: s.step, Err: err}
		}
	}

	if err := p.hosting.EnablePages(ctx, repo.Owner, task, DefaultBranch); err != nil {
		return Deployment{}, &Error{Step: StepEnablePages, Err: err}
	}

	deployment := Deployment{
		RepoURL:   repo.HTMLURL,
		CommitRef: DefaultBranch,
		PagesURL:  PagesURL(p.opts.Username, task),
		CloneURL:  repo.CloneURL,
	}
	logger.Info().Str("repo_url", deployment.RepoURL).Str("pages_url", deployment.PagesURL).Msg("published")
	return deployment, nil
}

// PagesURL is the project site address GitHub assigns to user/task.
func PagesURL(user, task string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", user, task)
}

func (p *Publisher) authHeader() string {
	cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + p.opts.Token))
	return "Authorization: Basic " + cred
}
