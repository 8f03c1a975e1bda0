// Package proxy runs the interception process as a local HTTP daemon. The
// host application sends its configuration messages to the control endpoint
// and its API requests to the daemon, which forwards them to the configured
// origin with the bearer credential attached.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"lds.li/shelfauth/bearer"
	"lds.li/shelfauth/session"
)

// DefaultControlPrefix is where the control endpoints are served. Requests
// under it are never forwarded.
const DefaultControlPrefix = "/_shelfauth"

// maxMessageSize bounds the size of a control message body.
const maxMessageSize = 64 << 10

var baseLogAttr = slog.String("component", "shelfauth-proxy")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

type targetContextKey struct{}

type Config struct {
	// Authenticator holds the origin and credential state. Required.
	Authenticator *bearer.Authenticator
	// Transport is the base transport for upstream requests. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	// ControlPrefix is the path prefix of the control endpoints. Defaults to
	// DefaultControlPrefix.
	ControlPrefix string
	// Logger can be used to configure a logger that will have errors and
	// warning logged. Defaults to discarding this information.
	Logger *slog.Logger
}

type Server struct {
	config Config
	mux    *http.ServeMux
	proxy  *httputil.ReverseProxy

	logger *slog.Logger
}

func NewServer(c Config) (*Server, error) {
	if c.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if c.ControlPrefix == "" {
		c.ControlPrefix = DefaultControlPrefix
	}
	if c.ControlPrefix[0] != '/' || c.ControlPrefix == "/" {
		return nil, fmt.Errorf("control prefix %q must be an absolute path below /", c.ControlPrefix)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	svr := &Server{
		config: c,
		mux:    http.NewServeMux(),
		logger: c.Logger.With(baseLogAttr),
	}

	svr.proxy = &httputil.ReverseProxy{
		Rewrite: svr.rewrite,
		Transport: &bearer.Transport{
			Authenticator: c.Authenticator,
			Base:          c.Transport,
		},
		ErrorHandler: svr.upstreamError,
		ErrorLog:     slog.NewLogLogger(svr.logger.Handler(), slog.LevelWarn),
	}

	svr.mux.HandleFunc("POST "+c.ControlPrefix+"/messages", svr.Messages)
	svr.mux.HandleFunc("GET "+c.ControlPrefix+"/state", svr.State)
	svr.mux.Handle(c.ControlPrefix+"/", http.NotFoundHandler())
	svr.mux.HandleFunc("/", svr.Forward)

	return svr, nil
}

// ServeHTTP will handle requests on the following paths:
// * POST ControlPrefix/messages
// * GET ControlPrefix/state
// * everything outside ControlPrefix is forwarded to the API origin
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// Messages applies a JSON encoded bearer.Message.
func (s *Server) Messages(w http.ResponseWriter, req *http.Request) {
	var msg bearer.Message
	if err := json.NewDecoder(io.LimitReader(req.Body, maxMessageSize)).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	if err := s.config.Authenticator.HandleMessage(msg); err != nil {
		if errors.Is(err, bearer.ErrUnknownMessage) {
			s.logger.InfoContext(req.Context(), "ignoring unknown message", slog.String("type", string(msg.Type)))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.ErrorContext(req.Context(), "handling message", slog.String("type", string(msg.Type)), errAttr(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.DebugContext(req.Context(), "message applied", slog.String("type", string(msg.Type)))
	w.WriteHeader(http.StatusNoContent)
}

// StateResponse is the body served by the state endpoint.
type StateResponse struct {
	State      string `json:"state"`
	APIBaseURL string `json:"apiBaseUrl"`
	UserID     string `json:"userId,omitempty"`
}

// State reports the credential lifecycle state. The credential itself is
// never returned.
func (s *Server) State(w http.ResponseWriter, req *http.Request) {
	a := s.config.Authenticator
	resp := StateResponse{
		State:      a.State().String(),
		APIBaseURL: a.APIBaseURL(),
	}
	if tok, ok := a.CachedToken(); ok {
		if uid, err := session.UserID(tok); err == nil {
			resp.UserID = uid
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.ErrorContext(req.Context(), "encoding state", errAttr(err))
	}
}

// Forward sends the request to the configured API origin. Without an origin
// there is nowhere to forward to, and 502 is returned.
func (s *Server) Forward(w http.ResponseWriter, req *http.Request) {
	origin := s.config.Authenticator.APIBaseURL()
	if origin == "" {
		http.Error(w, "api base url not configured", http.StatusBadGateway)
		return
	}
	target, err := url.Parse(origin)
	if err != nil || target.Scheme == "" || target.Host == "" {
		s.logger.WarnContext(req.Context(), "configured api base url is not usable", slog.String("api_base_url", origin))
		http.Error(w, "api base url not usable", http.StatusBadGateway)
		return
	}

	ctx := context.WithValue(req.Context(), targetContextKey{}, target)
	s.proxy.ServeHTTP(w, req.WithContext(ctx))
}

func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Context().Value(targetContextKey{}).(*url.URL)
	pr.SetURL(target)
	pr.SetXForwarded()
}

func (s *Server) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// client went away, nothing to answer.
		return
	}
	s.logger.WarnContext(req.Context(), "upstream request failed", slog.String("path", req.URL.Path), errAttr(err))
	w.WriteHeader(http.StatusBadGateway)
}
