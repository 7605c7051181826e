package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Repository describes a hosted repository.
type Repository struct {
	Owner    string
	Name     string
	HTMLURL  string
	CloneURL string
}

// Hosting is the subset of the hosting provider's API used during publication.
type Hosting interface {
	CreateRepository(ctx context.Context, name string) (Repository, error)
	EnablePages(ctx context.Context, owner, name, branch string) error
}

// GitHubOptions configures the GitHub REST client.
type GitHubOptions struct {
	Token string
	// BaseURL selects a GitHub Enterprise server; empty means api.github.com.
	BaseURL    string
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

// GitHub implements Hosting against the GitHub REST API. Calls share one token bucket so
// concurrent submissions stay inside the account's quota.
type GitHub struct {
	client  *github.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewGitHub builds a rate-limited GitHub client authenticated with opts.Token.
func NewGitHub(opts GitHubOptions, logger zerolog.Logger) (*GitHub, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("github token is required")
	}
	if opts.RPS <= 0 {
		return nil, fmt.Errorf("github rps must be positive, got %v", opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	client := github.NewClient(opts.HTTPClient).WithAuthToken(opts.Token)
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}

	return &GitHub{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), burst),
		logger:  logger.With().Str("component", "github").Logger(),
	}, nil
}

// CreateRepository creates a public repository for the authenticated user. A name collision
// is reported as ErrRepositoryExists.
func (g *GitHub) CreateRepository(ctx context.Context, name string) (Repository, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Repository{}, err
	}

	repo, _, err := g.client.Repositories.Create(ctx, "", &github.Repository{
		Name:    github.String(name),
		Private: github.Bool(false),
	})
	if err != nil {
		if isNameTaken(err) {
			return Repository{}, fmt.Errorf("%w: %s", ErrRepositoryExists, name)
		}
		return Repository{}, fmt.Errorf("create repository %s: %w", name, err)
	}

	g.logger.Info().Str("repo", repo.GetFullName()).Msg("repository created")
	return Repository{
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		HTMLURL:  repo.GetHTMLURL(),
		CloneURL: repo.GetCloneURL(),
	}, nil
}

// EnablePages publishes the root of branch as a Pages site. A site that is already enabled
// counts as success.
func (g *GitHub) EnablePages(ctx context.Context, owner, name, branch string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	_, resp, err := g.client.Repositories.EnablePages(ctx, owner, name, &github.Pages{
		Source: &github.PagesSource{
			Branch: github.String(branch),
			Path:   github.String("/"),
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			g.logger.Debug().Str("repo", owner+"/"+name).Msg("pages already enabled")
			return nil
		}
		return fmt.Errorf("enable pages %s/%s: %w", owner, name, err)
	}
	return nil
}

func isNameTaken(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil || ge.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	for _, e := range ge.Errors {
		if e.Field == "name" || strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(ge.Message, "already exists")
}
