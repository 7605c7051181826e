package pipeline

import (
	"crypto/subtle"
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

// Validator checks submissions against the shared secret.
type Validator struct {
	secret   []byte
	validate *validator.Validate
}

// NewValidator returns a Validator for the given shared secret.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("reponame", validRepoName); err != nil {
		return nil, err
	}

	return &Validator{secret: []byte(secret), validate: v}, nil
}

// Validate reports the first problem with req as a *ValidationError. Presence is checked in a
// fixed field order, then the secret, then the value formats.
func (v *Validator) Validate(req TaskRequest) error {
	required := []struct {
		name  string
		value string
		isInt bool
	}{
		{name: "email", value: req.Email},
		{name: "secret", value: req.Secret},
		{name: "task", value: req.Task},
		{name: "round", isInt: true},
		{name: "nonce", value: req.Nonce},
		{name: "brief", value: req.Brief},
		{name: "evaluation_url", value: req.EvaluationURL},
	}
	for _, f := range required {
		if !req.has(f.name) || (!f.isInt && f.value == "") {
			return missingField(f.name)
		}
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), v.secret) != 1 {
		return &ValidationError{Field: "secret", Reason: "Invalid secret"}
	}

	if err := v.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return &ValidationError{Field: "", Reason: err.Error()}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "reponame":
		return "invalid task: must be a repository name of letters, digits, '.', '-' or '_'"
	case "http_url":
		return "invalid evaluation_url: must be an absolute http(s) URL"
	default:
		return "invalid " + fe.Field()
	}
}

func validRepoName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name != "." && name != ".." && repoNamePattern.MatchString(name)
}
