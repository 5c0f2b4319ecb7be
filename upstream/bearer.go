package upstream

import (
	"errors"
	"net/http"
	"sync"

	"github.com/relaykit/mcp-relay/oauthflow"
)

// bearerTransport injects the flow's current access token into every request
// to an OAuth-bound target. A 401 from the target means the token is no good
// despite looking valid locally, so the transport drops it and starts a fresh
// authorization attempt.
type bearerTransport struct {
	base     http.RoundTripper
	flow     *oauthflow.Flow
	provider oauthflow.Provider

	mu      sync.Mutex
	authErr *oauthflow.AuthorizationRequiredError
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.flow.AccessToken(req.Context())
	if err != nil {
		t.remember(err)
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+tok)
	resp, err := t.base.RoundTrip(clone)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if err := t.provider.InvalidateCredentials(req.Context(), oauthflow.InvalidateTokens); err != nil {
		return nil, err
	}
	err = t.flow.Authorize(req.Context())
	t.remember(err)
	if err == nil {
		err = errors.New("token rejected by target")
	}
	return nil, err
}

func (t *bearerTransport) remember(err error) {
	if are, ok := oauthflow.IsAuthorizationRequired(err); ok {
		t.mu.Lock()
		t.authErr = are
		t.mu.Unlock()
	}
}

// pending returns the authorization signal raised during the most recent
// request, if any. The dialer prefers it over the SDK's wrapped dial error.
func (t *bearerTransport) pending() *oauthflow.AuthorizationRequiredError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authErr
}
