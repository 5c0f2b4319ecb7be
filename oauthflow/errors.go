package oauthflow

import (
	"errors"
	"fmt"
)

// AuthorizationRequiredError is the distinguished signal raised in place of a
// browser redirect: the relay runs server-side and cannot navigate the user,
// so the connect path surfaces this error and the external UI performs the
// redirect. Callers match it with errors.As (or IsAuthorizationRequired) and
// later resume the flow by supplying the authorization code.
type AuthorizationRequiredError struct {
	// AuthorizationURL is the fully formed authorization endpoint URL,
	// including state and PKCE challenge parameters.
	AuthorizationURL string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required: navigate to %s", e.AuthorizationURL)
}

// IsAuthorizationRequired unwraps err looking for the authorization signal.
func IsAuthorizationRequired(err error) (*AuthorizationRequiredError, bool) {
	var are *AuthorizationRequiredError
	if errors.As(err, &are) {
		return are, true
	}
	return nil, false
}

// ErrVerifierExpired indicates the PKCE verifier for an in-flight
// authorization attempt is missing or past its TTL; the flow must restart.
var ErrVerifierExpired = errors.New("oauthflow: code verifier missing or expired")

// ErrClientInfoConflict indicates an attempt to overwrite an existing client
// registration without invalidating it first.
var ErrClientInfoConflict = errors.New("oauthflow: client registration already present")
