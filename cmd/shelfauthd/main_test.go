package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lds.li/shelfauth/internal"
	"lds.li/shelfauth/session"
)

func newBackend(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token/refresh", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("shelf_session"); err != nil || c.Value != "good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"no session"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session.Credentials{AccessToken: accessToken})
	})
	mux.HandleFunc("GET /token/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer idt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session.Credentials{AccessToken: accessToken})
	})
	mux.HandleFunc("GET /token/reset", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	svr := httptest.NewServer(mux)
	t.Cleanup(svr.Close)
	return svr
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestRefreshCommand(t *testing.T) {
	iss := internal.NewTestIssuer(t)
	svr := newBackend(t, iss.Mint(t, map[string]any{"uid": "user-9", "exp": 4102444800}))

	out, err := run(t, "refresh", "--api-base-url", svr.URL, "--session-cookie", "shelf_session=good", "--log-level", "error")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding output %q: %v", out, err)
	}
	want := map[string]any{"userId": "user-9", "expiresAt": "2100-01-01T00:00:00Z"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}

	_, err = run(t, "refresh", "--api-base-url", svr.URL, "--session-cookie", "shelf_session=bad", "--log-level", "error")
	if err == nil || !strings.Contains(err.Error(), "sign in again") {
		t.Errorf("want sign in error, got %v", err)
	}
}

func TestVerifyAndResetCommands(t *testing.T) {
	iss := internal.NewTestIssuer(t)
	svr := newBackend(t, iss.Mint(t, map[string]any{"sub": "user-3"}))

	out, err := run(t, "verify", "--api-base-url", svr.URL, "--id-token", "idt", "--log-level", "error")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"userId": "user-3"`) {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := run(t, "reset", "--api-base-url", svr.URL, "--log-level", "error"); err != nil {
		t.Errorf("reset: %v", err)
	}
}

func TestCommandsRequireOrigin(t *testing.T) {
	for _, args := range [][]string{
		{"refresh"},
		{"reset"},
		{"verify", "--id-token", "x"},
	} {
		if _, err := run(t, args...); err == nil || !strings.Contains(err.Error(), "api-base-url") {
			t.Errorf("%v: want api-base-url error, got %v", args, err)
		}
	}
}
