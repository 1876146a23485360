package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	trequire "github.com/stretchr/testify/require"
)

// fakePanel answers every license route with a canned body and records the
// last request.
type fakePanel struct {
	t         *testing.T
	responses map[string]string
	status    int
	lastPath  string
	lastAuth  string
	lastBody  map[string]any
}

func (p *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.lastPath = r.URL.Path
	p.lastAuth = r.Header.Get("Authorization")
	body, err := io.ReadAll(r.Body)
	assert.NoError(p.t, err)
	p.lastBody = map[string]any{}
	assert.NoError(p.t, json.Unmarshal(body, &p.lastBody))

	w.Header().Set("Content-Type", "application/json")
	if p.status != 0 {
		w.WriteHeader(p.status)
	}
	_, _ = w.Write([]byte(p.responses[r.URL.Path]))
}

func setup(t *testing.T) (*fakePanel, string) {
	t.Helper()
	p := &fakePanel{t: t, responses: map[string]string{
		"/api/licenses/issue":    `{"license":{"key":"NONCE.sig","pluginId":"shop","owner":"alice","issuedAt":1000,"expiresAt":-1,"revoked":false}}`,
		"/api/licenses/validate": `{"result":"VALID","license":{"key":"NONCE.sig","pluginId":"shop","owner":"alice","issuedAt":1000,"expiresAt":-1,"revoked":false}}`,
		"/api/licenses/revoke":   `{"success":true}`,
		"/api/licenses/get":      `{"license":{"key":"NONCE.sig","pluginId":"shop","owner":"alice","issuedAt":1000,"revoked":true}}`,
	}}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, srv.URL
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Issue(t *testing.T) {
	p, url := setup(t)

	code, out, _ := runCLI(t, "-url", url, "-token", "secret", "-server-id", "node-1",
		"issue", "-plugin", "shop", "-owner", "alice", "-days", "30")

	trequire.Equal(t, exitOK, code)
	assert.Equal(t, "/api/licenses/issue", p.lastPath)
	assert.Equal(t, "Bearer secret", p.lastAuth)
	assert.Equal(t, "shop", p.lastBody["pluginId"])
	assert.Equal(t, "alice", p.lastBody["owner"])
	assert.EqualValues(t, 30, p.lastBody["validDays"])
	assert.Equal(t, "node-1", p.lastBody["serverId"])

	var resp struct {
		License map[string]any `json:"license"`
	}
	trequire.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "NONCE.sig", resp.License["key"])
	assert.EqualValues(t, -1, resp.License["expiresAt"])
}

func TestRun_Validate(t *testing.T) {
	p, url := setup(t)

	code, out, _ := runCLI(t, "-url", url, "validate", "-plugin", "shop", "-key", "NONCE.sig")

	trequire.Equal(t, exitOK, code)
	assert.Equal(t, "NONCE.sig", p.lastBody["key"])
	assert.Contains(t, out, `"result": "VALID"`)
}

func TestRun_ValidateRejected(t *testing.T) {
	p, url := setup(t)
	p.responses["/api/licenses/validate"] = `{"result":"REVOKED"}`

	code, out, _ := runCLI(t, "-url", url, "validate", "-plugin", "shop", "-key", "NONCE.sig")

	assert.Equal(t, exitRejected, code)
	assert.Contains(t, out, `"result": "REVOKED"`)
}

func TestRun_Revoke(t *testing.T) {
	p, url := setup(t)

	code, out, _ := runCLI(t, "-url", url, "revoke", "-key", "NONCE.sig")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, `"success": true`)

	p.responses["/api/licenses/revoke"] = `{"success":false}`
	code, _, _ = runCLI(t, "-url", url, "revoke", "-key", "NONCE.sig")
	assert.Equal(t, exitRejected, code)
}

func TestRun_Get(t *testing.T) {
	_, url := setup(t)

	code, out, _ := runCLI(t, "-url", url, "get", "-key", "NONCE.sig")

	trequire.Equal(t, exitOK, code)
	assert.Contains(t, out, `"revoked": true`)
	// Missing expiresAt on the wire means never expires.
	assert.Contains(t, out, `"expiresAt": -1`)
}

func TestRun_GetNotFound(t *testing.T) {
	p, url := setup(t)
	p.responses["/api/licenses/get"] = `{}`

	code, out, errOut := runCLI(t, "-url", url, "get", "-key", "NONCE.sig")

	assert.Equal(t, exitRejected, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "license not found")
}

func TestRun_ServerError(t *testing.T) {
	p, url := setup(t)
	p.status = http.StatusInternalServerError

	code, _, errOut := runCLI(t, "-url", url, "get", "-key", "NONCE.sig")

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "licensectl get:")
}

func TestRun_NoTokenSendsNoAuthHeader(t *testing.T) {
	t.Setenv("LICENSEGATE_API_TOKEN", "")
	p, url := setup(t)

	code, _, _ := runCLI(t, "-url", url, "get", "-key", "NONCE.sig")

	trequire.Equal(t, exitOK, code)
	assert.Empty(t, p.lastAuth)
}

func TestRun_UsageErrors(t *testing.T) {
	_, url := setup(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no command", []string{"-url", url}, "usage: licensectl"},
		{"unknown command", []string{"-url", url, "renew"}, `unknown command "renew"`},
		{"missing flags", []string{"-url", url, "issue"}, "missing required flags: -owner, -plugin"},
		{"extra args", []string{"-url", url, "get", "-key", "K", "extra"}, "unexpected arguments: extra"},
		{"bad url", []string{"-url", "not a url", "get", "-key", "K"}, "licensectl:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := runCLI(t, tt.args...)
			assert.Equal(t, exitFailure, code)
			assert.Empty(t, out)
			assert.Contains(t, errOut, tt.wantErr)
		})
	}
}
