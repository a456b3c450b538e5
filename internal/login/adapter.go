package login

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Encoding selects how credentials are placed in the login request.
type Encoding string

const (
	// EncodingForm sends an application/x-www-form-urlencoded body.
	EncodingForm Encoding = "form"
	// EncodingJSON sends an application/json body.
	EncodingJSON Encoding = "json"
	// EncodingQuery appends the fields to the URL query (GET portals).
	EncodingQuery Encoding = "query"
)

// Placeholders that are expanded in extra field values at submission time.
const (
	placeholderTimestamp = "{{timestamp}}"
	placeholderUnix      = "{{unix}}"
)

var (
	// ErrNoLoginURL is returned when neither the adapter nor the detector provides a URL.
	ErrNoLoginURL = errors.New("no portal login URL configured or detected")
	// ErrUnknownPreset is returned for an unrecognised adapter preset name.
	ErrUnknownPreset = errors.New("unknown portal preset")
)

// Adapter builds the portal-specific login request and reads its response.
type Adapter interface {
	// NewRequest builds the login request. portalURL is the detected portal
	// location and is used when the adapter has no fixed login URL.
	NewRequest(ctx context.Context, portalURL string, creds Credentials) (*http.Request, error)
	// Interpret maps the portal response onto an outcome.
	Interpret(statusCode int, body []byte) Outcome
}

// AdapterConfig describes a portal's login form. Every deployment supplies
// its own; nothing about the request shape is assumed.
type AdapterConfig struct {
	// Preset names a built-in starting point ("generic", "cyberoam").
	Preset string `json:"preset,omitempty"`
	// LoginURL is the form action. When empty, the detected portal URL is used.
	LoginURL string `json:"login_url,omitempty"`
	// Method is the HTTP method, POST by default.
	Method string `json:"method,omitempty"`
	// Encoding is form, json or query.
	Encoding Encoding `json:"encoding,omitempty"`
	// UsernameField and PasswordField are the form field names.
	UsernameField string `json:"username_field,omitempty"`
	PasswordField string `json:"password_field,omitempty"`
	// ExtraFields are sent verbatim, after placeholder expansion.
	ExtraFields map[string]string `json:"extra_fields,omitempty"`
	// Headers are added to the request.
	Headers map[string]string `json:"headers,omitempty"`
	// SuccessMarkers must appear in the body (any of them) for a success,
	// when set. Matching is case-insensitive.
	SuccessMarkers []string `json:"success_markers,omitempty"`
	// FailureMarkers flag an explicit credential rejection.
	FailureMarkers []string `json:"failure_markers,omitempty"`
	// SuccessStatus lists accepted status codes; any 2xx/3xx when empty.
	SuccessStatus []int `json:"success_status,omitempty"`
}

// Presets returns the names of the built-in adapter presets.
func Presets() []string {
	return []string{"cyberoam", "generic"}
}

// PresetConfig returns the built-in configuration for name.
func PresetConfig(name string) (AdapterConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "generic":
		return AdapterConfig{
			Preset:        "generic",
			Method:        http.MethodPost,
			Encoding:      EncodingForm,
			UsernameField: "username",
			PasswordField: "password",
			FailureMarkers: []string{
				"invalid username",
				"invalid password",
				"authentication failed",
			},
		}, nil
	case "cyberoam":
		// Sophos/Cyberoam captive portal on :8090, as deployed on the campus network.
		return AdapterConfig{
			Preset:        "cyberoam",
			Method:        http.MethodPost,
			Encoding:      EncodingForm,
			UsernameField: "username",
			PasswordField: "password",
			ExtraFields: map[string]string{
				"mode":        "191",
				"a":           placeholderTimestamp,
				"producttype": "0",
			},
			SuccessMarkers: []string{"you are signed in", "logged in"},
			FailureMarkers: []string{
				"invalid user name/password",
				"login failed",
				"maximum login limit",
			},
		}, nil
	default:
		return AdapterConfig{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
}

// Resolve fills unset fields from the named preset.
func (c AdapterConfig) Resolve() (AdapterConfig, error) {
	base, err := PresetConfig(c.Preset)
	if err != nil {
		return AdapterConfig{}, err
	}
	if c.LoginURL != "" {
		base.LoginURL = c.LoginURL
	}
	if c.Method != "" {
		base.Method = strings.ToUpper(c.Method)
	}
	if c.Encoding != "" {
		base.Encoding = c.Encoding
	}
	if c.UsernameField != "" {
		base.UsernameField = c.UsernameField
	}
	if c.PasswordField != "" {
		base.PasswordField = c.PasswordField
	}
	if len(c.ExtraFields) > 0 {
		merged := make(map[string]string, len(base.ExtraFields)+len(c.ExtraFields))
		for k, v := range base.ExtraFields {
			merged[k] = v
		}
		for k, v := range c.ExtraFields {
			merged[k] = v
		}
		base.ExtraFields = merged
	}
	if len(c.Headers) > 0 {
		base.Headers = c.Headers
	}
	if len(c.SuccessMarkers) > 0 {
		base.SuccessMarkers = c.SuccessMarkers
	}
	if len(c.FailureMarkers) > 0 {
		base.FailureMarkers = c.FailureMarkers
	}
	if len(c.SuccessStatus) > 0 {
		base.SuccessStatus = c.SuccessStatus
	}
	return base, base.Validate()
}

// Validate checks that the configuration can build requests.
func (c AdapterConfig) Validate() error {
	switch c.Encoding {
	case EncodingForm, EncodingJSON, EncodingQuery:
	default:
		return fmt.Errorf("unsupported login encoding %q", c.Encoding)
	}
	if c.UsernameField == "" || c.PasswordField == "" {
		return errors.New("username and password field names are required")
	}
	if c.LoginURL != "" {
		u, err := url.Parse(c.LoginURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid login URL %q", c.LoginURL)
		}
	}
	for _, code := range c.SuccessStatus {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid success status %d", code)
		}
	}
	return nil
}

// FormAdapter is the configurable Adapter used for HTML-form portals.
type FormAdapter struct {
	cfg AdapterConfig
	now func() time.Time
}

// Compile-time check that FormAdapter implements Adapter.
var _ Adapter = (*FormAdapter)(nil)

// NewFormAdapter creates an adapter from cfg after resolving its preset.
func NewFormAdapter(cfg AdapterConfig) (*FormAdapter, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid portal adapter: %w", err)
	}
	return &FormAdapter{cfg: resolved, now: time.Now}, nil
}

// Config returns the resolved adapter configuration.
func (a *FormAdapter) Config() AdapterConfig {
	return a.cfg
}

// NewRequest implements Adapter.
func (a *FormAdapter) NewRequest(ctx context.Context, portalURL string, creds Credentials) (*http.Request, error) {
	target := a.cfg.LoginURL
	if target == "" {
		target = portalURL
	}
	if target == "" {
		return nil, ErrNoLoginURL
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid login URL: %w", err)
	}

	fields := a.fields(creds)

	var body io.Reader
	contentType := ""
	switch a.cfg.Encoding {
	case EncodingJSON:
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode login body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case EncodingQuery:
		q := u.Query()
		for k, v := range fields {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	default:
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, a.cfg.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "abeslink/1.0")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (a *FormAdapter) fields(creds Credentials) map[string]string {
	fields := make(map[string]string, len(a.cfg.ExtraFields)+2)
	now := a.now()
	for k, v := range a.cfg.ExtraFields {
		v = strings.ReplaceAll(v, placeholderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
		v = strings.ReplaceAll(v, placeholderUnix, strconv.FormatInt(now.Unix(), 10))
		fields[k] = v
	}
	fields[a.cfg.UsernameField] = creds.Username
	fields[a.cfg.PasswordField] = creds.Password
	return fields
}

// Interpret implements Adapter. Failure markers are checked first so a
// rejection page served with 200 is never mistaken for a success.
func (a *FormAdapter) Interpret(statusCode int, body []byte) Outcome {
	text := strings.ToLower(string(body))

	for _, marker := range a.cfg.FailureMarkers {
		if marker != "" && strings.Contains(text, strings.ToLower(marker)) {
			return OutcomeInvalidCredentials
		}
	}

	if !a.statusAccepted(statusCode) {
		return OutcomePortalUnreachable
	}

	if len(a.cfg.SuccessMarkers) == 0 {
		return OutcomeSuccess
	}
	for _, marker := range a.cfg.SuccessMarkers {
		if marker != "" && strings.Contains(text, strings.ToLower(marker)) {
			return OutcomeSuccess
		}
	}
	return OutcomePortalUnreachable
}

func (a *FormAdapter) statusAccepted(code int) bool {
	if len(a.cfg.SuccessStatus) == 0 {
		return code >= 200 && code < 400
	}
	accepted := append([]int(nil), a.cfg.SuccessStatus...)
	sort.Ints(accepted)
	i := sort.SearchInts(accepted, code)
	return i < len(accepted) && accepted[i] == code
}
