package social

import (
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

// buildAuthURL はプロバイダの認可URLを組み立てる。
func buildAuthURL(p ProviderConfig, creds Credentials, state, verifier string) (string, error) {
	conf := &oauth2.Config{
		ClientID:    creds.ClientID,
		RedirectURL: creds.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthorizationEndpoint,
			TokenURL: p.TokenEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("scope", p.scopeString()),
	}
	for k, v := range p.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	authURL := conf.AuthCodeURL(state, opts...)
	if p.clientIDParam() == "client_id" {
		return authURL, nil
	}

	u, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse authorization URL: %w", err)
	}
	q := u.Query()
	q.Del("client_id")
	q.Set(p.clientIDParam(), creds.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
