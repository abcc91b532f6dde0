package dropbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudview/internal/retry"
)

// App identifies the registered Dropbox application.
type App struct {
	ClientID     string
	ClientSecret string
}

// oauthConfig builds the OAuth2 configuration. Dropbox expects client
// credentials as HTTP Basic auth on the token endpoint.
func (c *Client) oauthConfig(app App, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoints.Authorize,
			TokenURL:  c.endpoints.Token,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizeURL returns the page the user must visit to grant access. An
// offline token is requested so a refresh token comes back.
func (c *Client) AuthorizeURL(app App, redirectURL, state string) string {
	return c.oauthConfig(app, redirectURL).AuthCodeURL(state,
		oauth2.SetAuthURLParam("token_access_type", "offline"),
	)
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, app App, code, redirectURL string) (*oauth2.Token, error) {
	const action = "token/authorization_code"

	cfg := c.oauthConfig(app, redirectURL)

	tok, err := retry.Do(ctx, c.policy, IsTransient, c.logger, action, func(ctx context.Context) (*oauth2.Token, error) {
		tok, err := cfg.Exchange(c.tokenContext(ctx), code)
		if err != nil {
			return nil, c.classifyTokenError(action, err)
		}

		return tok, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("authorization code exchanged",
		slog.Bool("has_refresh_token", tok.RefreshToken != ""),
	)

	return tok, nil
}

// RefreshAccessToken obtains a new access token. Dropbox does not rotate
// refresh tokens, so the returned token keeps the one passed in.
func (c *Client) RefreshAccessToken(ctx context.Context, app App, refreshToken string) (*oauth2.Token, error) {
	const action = "token/refresh"

	if refreshToken == "" {
		return nil, &APIError{Kind: KindRefreshTokenMalformed, Action: action, Summary: "no refresh token stored"}
	}

	cfg := c.oauthConfig(app, "")

	tok, err := retry.Do(ctx, c.policy, IsTransient, c.logger, action, func(ctx context.Context) (*oauth2.Token, error) {
		// An empty access token forces the source to hit the token endpoint.
		src := cfg.TokenSource(c.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

		tok, err := src.Token()
		if err != nil {
			return nil, c.classifyTokenError(action, err)
		}

		return tok, nil
	})
	if err != nil {
		return nil, err
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	c.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// tokenContext makes the oauth2 package use our transport.
func (c *Client) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// classifyTokenError maps errors from the oauth2 package onto the taxonomy.
// Cancellation passes through untouched so it is never retried.
func (c *Client) classifyTokenError(action string, err error) error {
	if isCanceled(err) {
		return fmt.Errorf("dropbox: %s canceled: %w", action, err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		apiErr := classifyTokenErrorBody(action, status, re.Body)
		c.logAPIError(apiErr)

		return apiErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &APIError{Kind: KindResponseWait, Action: action, Cause: err}
	}

	// Anything else is the oauth2 package failing to decode a 2xx body.
	return &APIError{Kind: KindResponseBodyDeserialization, Action: action, Cause: err}
}
