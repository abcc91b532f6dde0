package dropbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/tonimelisma/cloudview/internal/retry"
)

// Production endpoints.
const (
	DefaultAPIURL       = "https://api.dropboxapi.com/2"
	DefaultContentURL   = "https://content.dropboxapi.com/2"
	DefaultAuthorizeURL = "https://www.dropbox.com/oauth2/authorize"
	DefaultTokenURL     = "https://api.dropbox.com/oauth2/token"
	DefaultUserAgent    = "cloudview/0.1"
)

// Endpoints holds the base URLs of the API hosts. Tests point them at
// httptest servers.
type Endpoints struct {
	API       string
	Content   string
	Authorize string
	Token     string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		API:       DefaultAPIURL,
		Content:   DefaultContentURL,
		Authorize: DefaultAuthorizeURL,
		Token:     DefaultTokenURL,
	}
}

// Client issues Dropbox API calls. Data calls (listing, download) are sent
// exactly once; token-endpoint calls run under the retry policy. Access
// tokens are passed per call so the refresh coordinator controls which token
// each attempt uses.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	limiter    *BandwidthLimiter
	policy     retry.Policy
}

// NewClient creates a Dropbox client.
func NewClient(endpoints Endpoints, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		endpoints:  endpoints,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
		policy:     retry.DefaultPolicy(),
	}
}

// SetBandwidthLimiter throttles download streams. nil means unlimited.
func (c *Client) SetBandwidthLimiter(bl *BandwidthLimiter) {
	c.limiter = bl
}

// SetRetryPolicy replaces the backoff used for token-endpoint calls.
func (c *Client) SetRetryPolicy(p retry.Policy) {
	c.policy = p
}

// NewHTTPClient builds the transport used for all API hosts. HTTP/2 is
// negotiated unless forceHTTP11 is set. dataTimeout bounds the wait for
// response headers only, so long downloads are not cut off.
func NewHTTPClient(connectTimeout, dataTimeout time.Duration, forceHTTP11 bool) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: dataTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	if forceHTTP11 {
		// A non-nil empty map disables the automatic HTTP/2 upgrade.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("dropbox: configuring http2: %w", err)
	}

	return &http.Client{Transport: transport}, nil
}

// post sends one authenticated request. Transport failures come back as
// KindResponseWait. The caller owns the response body.
func (c *Client) post(ctx context.Context, action, url, token string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("dropbox: creating %s request: %w", action, err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dropbox: %s canceled: %w", action, ctx.Err())
		}

		return nil, &APIError{Kind: KindResponseWait, Action: action, Cause: err}
	}

	c.logger.Debug("dropbox response",
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// callJSON posts params as JSON and decodes a JSON result into T. Routine
// errors are decoded into R and mapped by convert.
func callJSON[T, R any](
	ctx context.Context, c *Client, action, url, token string, params any, convert func(R) error,
) (*T, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding %s params: %w", action, err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	resp, err := c.post(ctx, action, url, token, bytes.NewReader(payload), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, errorFromResponse(c, action, resp, convert)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindResponseBodyAggregate, Action: action, Status: resp.StatusCode, Cause: err}
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &APIError{
			Kind: KindResponseBodyDeserialization, Action: action, Status: resp.StatusCode,
			Raw: string(body), Cause: err,
		}
	}

	return &out, nil
}

// errorFromResponse reads and classifies a non-success response.
func errorFromResponse[R any](c *Client, action string, resp *http.Response, convert func(R) error) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindErrorBodyAggregate, Action: action, Status: resp.StatusCode, Cause: err}
	}

	apiErr := classifyErrorBody(action, resp.StatusCode, body, convert)
	c.logAPIError(apiErr)

	return apiErr
}

func (c *Client) logAPIError(apiErr *APIError) {
	switch apiErr.Kind {
	case KindUnknownAPIErrorStructure, KindUnknownAPIErrorResult, KindErrorBodyDeserialization:
		c.logger.Warn("unrecognized dropbox error",
			slog.String("action", apiErr.Action),
			slog.Int("status", apiErr.Status),
			slog.String("kind", apiErr.Kind.String()),
			slog.String("raw", apiErr.Raw),
		)
	default:
		c.logger.Debug("dropbox call failed",
			slog.String("action", apiErr.Action),
			slog.Int("status", apiErr.Status),
			slog.String("kind", apiErr.Kind.String()),
		)
	}
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// isCanceled reports whether err came from context cancellation.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
