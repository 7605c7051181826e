package publish

import (
	"errors"
	"fmt"
)

// ErrRepositoryExists is returned when the hosting account already owns a repository with the
// task's name. Publication never reuses an existing repository.
var ErrRepositoryExists = errors.New("repository already exists")

// Step names one stage of publication.
type Step string

const (
	StepCreateRepository Step = "create_repository"
	StepInit             Step = "init"
	StepAdd              Step = "add"
	StepCommit           Step = "commit"
	StepBranch           Step = "branch"
	StepRemote           Step = "remote"
	StepPush             Step = "push"
	StepEnablePages      Step = "enable_pages"
)

// Error reports the step at which publication stopped. Earlier steps are not rolled back.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("publish %s: %v", e.Step, e.Err) }

func (e *Error) Unwrap() error { return e.Err }
