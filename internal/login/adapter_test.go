package login

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{Username: "2100320120045", Password: "secret1"}

func TestNewFormAdapter_Presets(t *testing.T) {
	for _, name := range Presets() {
		t.Run(name, func(t *testing.T) {
			a, err := NewFormAdapter(AdapterConfig{Preset: name})
			require.NoError(t, err)
			assert.Equal(t, name, a.Config().Preset)
			assert.Equal(t, http.MethodPost, a.Config().Method)
		})
	}

	_, err := NewFormAdapter(AdapterConfig{Preset: "unknown"})
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestAdapterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AdapterConfig
		wantErr bool
	}{
		{name: "generic defaults", cfg: AdapterConfig{}},
		{name: "bad encoding", cfg: AdapterConfig{Encoding: "xml"}, wantErr: true},
		{name: "relative login URL", cfg: AdapterConfig{LoginURL: "/login"}, wantErr: true},
		{name: "ftp login URL", cfg: AdapterConfig{LoginURL: "ftp://portal/login"}, wantErr: true},
		{name: "status out of range", cfg: AdapterConfig{SuccessStatus: []int{700}}, wantErr: true},
		{name: "custom fields", cfg: AdapterConfig{UsernameField: "user", PasswordField: "pass", Encoding: EncodingJSON}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Resolve()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormAdapter_NewRequest_Form(t *testing.T) {
	a, err := NewFormAdapter(AdapterConfig{Preset: "cyberoam"})
	require.NoError(t, err)
	a.now = func() time.Time { return time.UnixMilli(1700000000123) }

	req, err := a.NewRequest(context.Background(), "http://10.0.0.1:8090/login.xml", testCreds)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://10.0.0.1:8090/login.xml", req.URL.String())
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	values, err := url.ParseQuery(string(body))
	require.NoError(t, err)

	assert.Equal(t, testCreds.Username, values.Get("username"))
	assert.Equal(t, testCreds.Password, values.Get("password"))
	assert.Equal(t, "191", values.Get("mode"))
	assert.Equal(t, "1700000000123", values.Get("a"))
}

func TestFormAdapter_NewRequest_JSONUsesConfiguredURL(t *testing.T) {
	a, err := NewFormAdapter(AdapterConfig{
		LoginURL:      "https://portal.example.com/api/login",
		Encoding:      EncodingJSON,
		UsernameField: "user",
		PasswordField: "pass",
		ExtraFields:   map[string]string{"ts": "{{unix}}"},
		Headers:       map[string]string{"X-Portal": "abes"},
	})
	require.NoError(t, err)
	a.now = func() time.Time { return time.Unix(42, 0) }

	req, err := a.NewRequest(context.Background(), "http://ignored.example.com/", testCreds)
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.com/api/login", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "abes", req.Header.Get("X-Portal"))

	var fields map[string]string
	require.NoError(t, json.NewDecoder(req.Body).Decode(&fields))
	assert.Equal(t, testCreds.Username, fields["user"])
	assert.Equal(t, testCreds.Password, fields["pass"])
	assert.Equal(t, "42", fields["ts"])
}

func TestFormAdapter_NewRequest_Query(t *testing.T) {
	a, err := NewFormAdapter(AdapterConfig{Method: "get", Encoding: EncodingQuery})
	require.NoError(t, err)

	req, err := a.NewRequest(context.Background(), "http://portal.example.com/login?lang=en", testCreds)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "en", req.URL.Query().Get("lang"))
	assert.Equal(t, testCreds.Username, req.URL.Query().Get("username"))
	assert.Nil(t, req.Body)
}

func TestFormAdapter_NewRequest_NoURL(t *testing.T) {
	a, err := NewFormAdapter(AdapterConfig{})
	require.NoError(t, err)

	_, err = a.NewRequest(context.Background(), "", testCreds)
	assert.ErrorIs(t, err, ErrNoLoginURL)
}

func TestFormAdapter_Interpret(t *testing.T) {
	cyberoam, err := NewFormAdapter(AdapterConfig{Preset: "cyberoam"})
	require.NoError(t, err)
	generic, err := NewFormAdapter(AdapterConfig{SuccessStatus: []int{200}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		adapter *FormAdapter
		status  int
		body    string
		want    Outcome
	}{
		{
			name:    "cyberoam signed in",
			adapter: cyberoam,
			status:  200,
			body:    "<message><![CDATA[You are signed in as {username}]]></message>",
			want:    OutcomeSuccess,
		},
		{
			name:    "cyberoam rejected",
			adapter: cyberoam,
			status:  200,
			body:    "<message><![CDATA[Invalid user name/password. Please try again.]]></message>",
			want:    OutcomeInvalidCredentials,
		},
		{
			name:    "cyberoam no marker",
			adapter: cyberoam,
			status:  200,
			body:    "<html>maintenance</html>",
			want:    OutcomePortalUnreachable,
		},
		{
			name:    "failure marker wins over status",
			adapter: cyberoam,
			status:  500,
			body:    "Login failed",
			want:    OutcomeInvalidCredentials,
		},
		{
			name:    "generic accepted status",
			adapter: generic,
			status:  200,
			body:    "welcome",
			want:    OutcomeSuccess,
		},
		{
			name:    "generic unexpected status",
			adapter: generic,
			status:  302,
			body:    "",
			want:    OutcomePortalUnreachable,
		},
		{
			name:    "generic rejection",
			adapter: generic,
			status:  200,
			body:    "Authentication FAILED",
			want:    OutcomeInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.adapter.Interpret(tt.status, []byte(tt.body)))
		})
	}
}
