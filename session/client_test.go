package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
	"lds.li/shelfauth/internal"
)

const sessionCookie = "shelf_session"

// newMockBackend serves the token endpoints, issuing accessToken for requests
// that carry the session cookie.
func newMockBackend(t *testing.T, accessToken string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	refreshes := new(atomic.Int32)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /token/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "valid" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "session expired"})
			return
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("refresh request must not carry a bearer credential")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Credentials{AccessToken: accessToken})
	})
	mux.HandleFunc("GET /token/reset", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", MaxAge: -1, Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /token/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer id-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "valid", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Credentials{AccessToken: accessToken})
	})

	svr := httptest.NewServer(mux)
	t.Cleanup(svr.Close)
	return svr, refreshes
}

func newSessionClient(t *testing.T, svr *httptest.Server, cookieValue string) *Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cookieValue != "" {
		u, err := url.Parse(svr.URL)
		if err != nil {
			t.Fatal(err)
		}
		jar.SetCookies(u, []*http.Cookie{{Name: sessionCookie, Value: cookieValue, Path: "/"}})
	}
	hc := svr.Client()
	hc.Jar = jar
	return &Client{HTTPClient: hc}
}

func TestRefresh(t *testing.T) {
	iss := internal.NewTestIssuer(t)
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	accessToken := iss.Mint(t, map[string]any{"sub": "user-1", "exp": exp.Unix()})

	svr, refreshes := newMockBackend(t, accessToken)
	c := newSessionClient(t, svr, "valid")

	tok, err := c.Refresh(t.Context(), svr.URL)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != accessToken {
		t.Errorf("unexpected access token %q", tok.AccessToken)
	}
	if !tok.Expiry.Equal(exp) {
		t.Errorf("want expiry %v, got %v", exp, tok.Expiry)
	}
	if !tok.Valid() {
		t.Error("want refreshed token valid")
	}
	if got := refreshes.Load(); got != 1 {
		t.Errorf("want 1 refresh request, got %d", got)
	}
}

func TestRefreshOpaqueToken(t *testing.T) {
	svr, _ := newMockBackend(t, "opaque-token")
	c := newSessionClient(t, svr, "valid")

	tok, err := c.Refresh(t.Context(), svr.URL)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "opaque-token" || !tok.Expiry.IsZero() {
		t.Errorf("unexpected token %+v", tok)
	}
}

func TestRefreshWithoutSession(t *testing.T) {
	svr, _ := newMockBackend(t, "tok")
	c := newSessionClient(t, svr, "")

	_, err := c.Refresh(t.Context(), svr.URL)
	var er *ErrorResponse
	if !errors.As(err, &er) {
		t.Fatalf("want ErrorResponse, got %v", err)
	}
	if diff := cmp.Diff(&ErrorResponse{Status: http.StatusUnauthorized, Message: "session expired"}, er); diff != "" {
		t.Errorf("unexpected error (-want +got):\n%s", diff)
	}
	if !er.Unauthorized() {
		t.Error("want Unauthorized")
	}
}

func TestRefreshMalformedResponses(t *testing.T) {
	for _, tc := range []struct {
		name    string
		status  int
		ctype   string
		body    string
		wantAPI bool
	}{
		{name: "server error without body", status: http.StatusBadGateway, wantAPI: true},
		{name: "invalid json", status: http.StatusOK, ctype: "application/json", body: "{"},
		{name: "missing access token", status: http.StatusOK, ctype: "application/json", body: `{"token":"x"}`},
		{name: "html", status: http.StatusOK, ctype: "text/html", body: "<html></html>"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.ctype != "" {
					w.Header().Set("Content-Type", tc.ctype)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(svr.Close)

			c := &Client{HTTPClient: svr.Client()}
			tok, err := c.Refresh(t.Context(), svr.URL)
			if err == nil {
				t.Fatalf("want error, got token %+v", tok)
			}
			var er *ErrorResponse
			if got := errors.As(err, &er); got != tc.wantAPI {
				t.Errorf("errors.As(ErrorResponse) = %t, want %t: %v", got, tc.wantAPI, err)
			}
			if tc.wantAPI && er.Message != http.StatusText(tc.status) {
				t.Errorf("want status text message, got %q", er.Message)
			}
		})
	}
}

func TestRefreshUsesContextClient(t *testing.T) {
	svr, _ := newMockBackend(t, "tok")
	hc := newSessionClient(t, svr, "valid").HTTPClient

	c := &Client{}
	tok, err := c.Refresh(context.WithValue(t.Context(), oauth2.HTTPClient, hc), svr.URL)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "tok" {
		t.Errorf("unexpected token %q", tok.AccessToken)
	}
}

func TestVerifyResetFlow(t *testing.T) {
	svr, refreshes := newMockBackend(t, "tok")
	c := newSessionClient(t, svr, "")

	if _, err := c.Verify(t.Context(), svr.URL, "wrong"); err == nil {
		t.Fatal("want error verifying a bad id token")
	}

	creds, err := c.Verify(t.Context(), svr.URL, "id-token")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Credentials{AccessToken: "tok"}, creds); diff != "" {
		t.Errorf("unexpected credentials (-want +got):\n%s", diff)
	}

	// verify established the session cookie, so refresh works now.
	if _, err := c.Refresh(t.Context(), svr.URL); err != nil {
		t.Fatalf("refresh after verify: %v", err)
	}

	if err := c.Reset(t.Context(), svr.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Refresh(t.Context(), svr.URL); err == nil {
		t.Error("want refresh to fail after reset")
	}
	if got := refreshes.Load(); got != 2 {
		t.Errorf("want 2 refresh requests, got %d", got)
	}
}
