package bearer

import (
	"fmt"
	"net/http"
)

// Transport is an [http.RoundTripper] that attaches the Authenticator's bearer
// credential to eligible requests.
type Transport struct {
	// Authenticator decides on and supplies the credential. Required.
	Authenticator *Authenticator

	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
}

// RoundTrip implements [http.RoundTripper]. The request is dispatched with a
// credential when one applies and is available, and unmodified otherwise. The
// response or error from the base transport is returned as is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Authenticator == nil {
		return nil, fmt.Errorf("bearer: Authenticator is nil")
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(t.Authenticator.Authorize(req))
}
