// Package bearer attaches bearer credentials to outgoing API requests.
//
// An [Authenticator] owns the configured API origin and the cached access
// token for the lifetime of the interception process. Requests to the origin
// get an Authorization header, except for the session endpoints that issue
// credentials. When no token is cached and a [Refresher] is configured, a
// single refresh call is shared by every request waiting on it.
package bearer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"lds.li/shelfauth/internal"
)

// DefaultExcludedPaths are the path prefixes that never receive a credential.
// They cover sign-in, sign-up and every token issuance/reset endpoint.
var DefaultExcludedPaths = []string{
	"/token",
	"/users/signin",
	"/users/signup",
}

const refreshKey = "refresh"

var baseLogAttr = slog.String("component", "bearer-authenticator")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Refresher exchanges the ambient session for a fresh access token. The
// apiBaseURL is the origin configured at the time the refresh starts.
type Refresher interface {
	Refresh(ctx context.Context, apiBaseURL string) (*oauth2.Token, error)
}

// State is the credential lifecycle state of an Authenticator.
type State int

const (
	NoCredential State = iota
	RefreshInFlight
	CredentialCached
)

func (s State) String() string {
	switch s {
	case NoCredential:
		return "NoCredential"
	case RefreshInFlight:
		return "RefreshInFlight"
	case CredentialCached:
		return "CredentialCached"
	default:
		return "Unknown"
	}
}

// Authenticator decides which requests get a bearer credential and supplies
// it. The zero value is ready to use, intercepts nothing until an API base URL
// is set, and never refreshes.
type Authenticator struct {
	// Refresher is used to obtain a credential when none is cached. If nil,
	// credentials are only ever supplied via SetAccessToken and requests
	// without one are sent unauthenticated.
	Refresher Refresher
	// ExcludedPaths are path prefixes that never receive a credential. If nil,
	// DefaultExcludedPaths is used.
	ExcludedPaths []string
	// Logger receives refresh outcomes. Defaults to discarding.
	Logger *slog.Logger

	mu         sync.Mutex
	apiBaseURL string
	token      *oauth2.Token
	// gen is bumped every time the credential is set or reset, so a refresh
	// that started before can tell its result is stale.
	gen uint64
	// flight identifies the refresh currently registered in refreshGroup, 0
	// when none is. It is only changed together with the group registration.
	flight    uint64
	flightSeq uint64
	waiters   int

	refreshGroup singleflight.Group
}

// SetAPIBaseURL records the origin whose requests are intercepted. An empty
// origin disables interception.
func (a *Authenticator) SetAPIBaseURL(origin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiBaseURL = origin
}

// APIBaseURL returns the configured origin, or an empty string.
func (a *Authenticator) APIBaseURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apiBaseURL
}

// SetAccessToken replaces the cached credential. An empty token clears it. If
// the token is a JWT with an exp claim it is treated as absent once expired.
func (a *Authenticator) SetAccessToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	if token == "" {
		a.token = nil
		return
	}
	a.token = &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      internal.InsecureTokenExpiry(token),
	}
}

// ResetAccessToken clears the cached credential and detaches any in-flight
// refresh, so the next request that needs a credential starts a new one.
// Requests already waiting on the detached refresh still receive its result.
func (a *Authenticator) ResetAccessToken() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	a.token = nil
	if a.flight != 0 {
		a.flight = 0
		a.refreshGroup.Forget(refreshKey)
	}
}

// State reports where the credential lifecycle currently is.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.token.Valid():
		return CredentialCached
	case a.flight != 0:
		return RefreshInFlight
	default:
		return NoCredential
	}
}

// Waiters reports how many callers are currently waiting on a refresh.
func (a *Authenticator) Waiters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiters
}

// CachedToken returns the cached credential without refreshing.
func (a *Authenticator) CachedToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.token.Valid() {
		return "", false
	}
	return a.token.AccessToken, true
}

// ShouldAttach reports whether a request to rawURL is eligible for a
// credential: an origin is configured, the full URL starts with it, and the
// path below the origin does not start with an excluded prefix. URLs that
// fail to parse are never eligible.
func (a *Authenticator) ShouldAttach(rawURL string) bool {
	origin := a.APIBaseURL()
	if origin == "" || !strings.HasPrefix(rawURL, origin) {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	// exclusions are relative to the origin, which may itself have a path.
	path := u.Path
	if o, err := url.Parse(origin); err == nil {
		path = strings.TrimPrefix(path, strings.TrimSuffix(o.Path, "/"))
	}
	path = strings.TrimSuffix(path, "/")

	excluded := a.ExcludedPaths
	if excluded == nil {
		excluded = DefaultExcludedPaths
	}
	for _, prefix := range excluded {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// Token returns the cached credential, refreshing it if none is cached and a
// Refresher is configured. Concurrent callers share a single refresh. false
// is returned when no credential is available this cycle, including when the
// refresh fails or ctx ends while waiting for it.
func (a *Authenticator) Token(ctx context.Context) (string, bool) {
	if a.Refresher == nil {
		return a.CachedToken()
	}

	a.mu.Lock()
	if a.token.Valid() {
		tok := a.token.AccessToken
		a.mu.Unlock()
		return tok, true
	}
	if a.flight == 0 {
		// a detached or finished call may still be registered, never join it.
		a.refreshGroup.Forget(refreshKey)
		a.flightSeq++
		a.flight = a.flightSeq
	}
	id, gen, origin := a.flight, a.gen, a.apiBaseURL
	// the refresh outlives any single caller, each waiter can still give up
	// on its own.
	refreshCtx := context.WithoutCancel(ctx)
	ch := a.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return a.refresh(refreshCtx, id, gen, origin)
	})
	a.waiters++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.waiters--
		a.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		return res.Val.(*oauth2.Token).AccessToken, true
	case <-ctx.Done():
		return "", false
	}
}

// refresh runs the registered flight id. Its result is cached only if the
// credential generation is still gen.
func (a *Authenticator) refresh(ctx context.Context, id, gen uint64, origin string) (*oauth2.Token, error) {
	logger := a.logger().With(slog.String("refresh_id", uuid.NewString()))
	start := time.Now()

	tok, err := a.callRefresher(ctx, origin)
	if err == nil && !tok.Valid() {
		err = errInvalidRefreshToken
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flight == id {
		a.flight = 0
	}
	if err != nil {
		logger.WarnContext(ctx, "token refresh failed, continuing unauthenticated", errAttr(err), slog.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	if a.gen != gen {
		logger.InfoContext(ctx, "credential changed during refresh, not caching result")
		return tok, nil
	}
	a.token = tok
	logger.DebugContext(ctx, "token refreshed", slog.Duration("elapsed", time.Since(start)))
	return tok, nil
}

func (a *Authenticator) callRefresher(ctx context.Context, origin string) (tok *oauth2.Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			tok, err = nil, fmt.Errorf("refresher panicked: %v", r)
		}
	}()
	return a.Refresher.Refresh(ctx, origin)
}

// Authorize returns the request to dispatch for req. Ineligible requests, and
// eligible ones for which no credential is available, are returned
// unmodified. Otherwise a clone is returned with the Authorization header set
// and every other header preserved.
func (a *Authenticator) Authorize(req *http.Request) *http.Request {
	if !a.ShouldAttach(req.URL.String()) {
		return req
	}
	token, ok := a.Token(req.Context())
	if !ok {
		return req
	}

	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func (a *Authenticator) logger() *slog.Logger {
	l := a.Logger
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.With(baseLogAttr)
}
