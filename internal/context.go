package internal

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// HTTPClientFromContext returns a *http.Client for use. It will first check the
// context for the oauth2.HTTPClient, then explicit if not nil, then falling
// back to the default client. The refresh call relies on the returned client's
// cookie jar to carry the ambient session.
func HTTPClientFromContext(ctx context.Context, explicit *http.Client) *http.Client {
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc != nil {
		return hc
	}
	if explicit != nil {
		return explicit
	}
	return http.DefaultClient
}
