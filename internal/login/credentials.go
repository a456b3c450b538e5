// Package login submits stored credentials to a captive portal.
package login

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultMinUsernameLength matches the campus account ID format.
	DefaultMinUsernameLength = 12
	// DefaultMinPasswordLength is the shortest password the portal accepts.
	DefaultMinPasswordLength = 6
)

var (
	// ErrNoCredentials is returned by credential stores when nothing is saved.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrUsernameRequired is returned when the username is blank.
	ErrUsernameRequired = errors.New("username cannot be empty")
	// ErrPasswordRequired is returned when the password is blank.
	ErrPasswordRequired = errors.New("password cannot be empty")
	// ErrUsernameTooShort is returned when the username is below the minimum length.
	ErrUsernameTooShort = errors.New("username is too short")
	// ErrPasswordTooShort is returned when the password is below the minimum length.
	ErrPasswordTooShort = errors.New("password is too short")
)

// Credentials holds a portal username and password.
// The password is redacted from every string and log representation.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Policy defines the validation rules for credentials.
type Policy struct {
	MinUsernameLength int `json:"min_username_length"`
	MinPasswordLength int `json:"min_password_length"`
}

// DefaultPolicy returns the campus credential rules.
func DefaultPolicy() Policy {
	return Policy{
		MinUsernameLength: DefaultMinUsernameLength,
		MinPasswordLength: DefaultMinPasswordLength,
	}
}

// Validate checks the credentials against the policy.
// Both fields are checked so callers can report every problem at once.
func (p Policy) Validate(c Credentials) error {
	var errs []error

	switch username := strings.TrimSpace(c.Username); {
	case username == "":
		errs = append(errs, ErrUsernameRequired)
	case len(username) < p.MinUsernameLength:
		errs = append(errs, fmt.Errorf("%w: must be at least %d characters", ErrUsernameTooShort, p.MinUsernameLength))
	}

	switch {
	case strings.TrimSpace(c.Password) == "":
		errs = append(errs, ErrPasswordRequired)
	case len(c.Password) < p.MinPasswordLength:
		errs = append(errs, fmt.Errorf("%w: must be at least %d characters", ErrPasswordTooShort, p.MinPasswordLength))
	}

	return errors.Join(errs...)
}

// IsZero reports whether either field is missing.
func (c Credentials) IsZero() bool {
	return strings.TrimSpace(c.Username) == "" || c.Password == ""
}

// String implements fmt.Stringer without exposing the password.
func (c Credentials) String() string {
	return fmt.Sprintf("{username:%s password:[REDACTED]}", c.Username)
}

// GoString keeps %#v from printing the password.
func (c Credentials) GoString() string {
	return c.String()
}

// LogValue implements slog.LogValuer so credentials can be logged safely.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "[REDACTED]"),
	)
}
