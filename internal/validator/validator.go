// Package validator checks account refresh tokens against the identity
// provider's token endpoint.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is the Microsoft consumer token endpoint.
const DefaultTokenURL = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"

type Config struct {
	TokenURL string
	Scopes   []string
	Retries  int
	Base     time.Duration
	Max      time.Duration
	Timeout  time.Duration
}

// Result is the outcome of one validation. StatusCode is the final HTTP
// status seen, or 0 when the request never got a response.
type Result struct {
	OK         bool
	Error      string
	StatusCode int
}

type Client struct {
	tokenURL string
	http     *http.Client
	retry    *retryTransport
}

func New(cfg Config) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 10 * time.Second
	}
	rt := newRetryTransport(http.DefaultTransport, cfg.Retries, cfg.Base, cfg.Max)
	return &Client{
		tokenURL: cfg.TokenURL,
		retry:    rt,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &scopeTransport{next: rt, scope: strings.Join(cfg.Scopes, " ")},
		},
	}
}

// Validate redeems refreshToken once. Endpoint errors are reported in the
// Result, never returned.
func (c *Client) Validate(ctx context.Context, clientID, refreshToken string) Result {
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: c.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	_, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err == nil {
		return Result{OK: true, StatusCode: http.StatusOK}
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", status)
		}
		return Result{Error: msg, StatusCode: status}
	}
	return Result{Error: "request failed: " + err.Error()}
}

// scopeTransport adds the configured scope to token requests, which the
// oauth2 refresh flow leaves out.
type scopeTransport struct {
	next  http.RoundTripper
	scope string
}

func (t *scopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.scope == "" || req.Body == nil || req.Method != http.MethodPost {
		return t.next.RoundTrip(req)
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	vals, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	if vals.Get("scope") == "" {
		vals.Set("scope", t.scope)
	}
	body := vals.Encode()

	r := req.Clone(req.Context())
	r.Body = io.NopCloser(strings.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil }
	return t.next.RoundTrip(r)
}
