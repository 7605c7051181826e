package publish

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// GitRunner runs one git command in dir.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) error
}

// ExecGit runs the git binary found on PATH.
type ExecGit struct {
	// Binary overrides the executable; empty means "git".
	Binary string
}

// CommandError carries the combined output of a failed git command. Credential headers are
// redacted from Args.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run executes git with args in dir. Interactive credential prompts are disabled.
func (g ExecGit) Run(ctx context.Context, dir string, args ...string) error {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return &CommandError{Args: redact(args), Output: string(output), Err: err}
	}
	return nil
}

func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(strings.ToLower(a), "http.extraheader=") {
			a = "http.extraHeader=<redacted>"
		}
		out[i] = a
	}
	return out
}
