// Package portal is the HTTP client for the upstream document portal.
package portal

//go:generate mockgen -destination=../../testutils/mocks/portal/portal_mock.go -package=portal . Portal,Session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

const (
	maxIdleConns          = 20
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 60 * time.Second
	maxLookupBody         = 64 << 10
	maxChallengeBody      = 2 << 20
)

// Portal resolves identifiers and opens challenge sessions.
type Portal interface {
	Lookup(ctx context.Context, itemID string) (string, error)
	NewSession() (Session, error)
}

// Session is one cookie-scoped conversation: a challenge and the request it unlocks.
type Session interface {
	Challenge(ctx context.Context) ([]byte, error)
	Fetch(ctx context.Context, req PayloadRequest) ([]byte, error)
	Stream(ctx context.Context, req PayloadRequest) (io.ReadCloser, error)
}

// PayloadRequest addresses one payload download.
type PayloadRequest struct {
	Target     domain.TargetKey
	ResolvedID string
	Answer     string
}

// Client implements Portal over HTTP.
type Client struct {
	cfg       config.PortalConfig
	base      *url.URL
	transport http.RoundTripper
}

var _ Portal = (*Client)(nil)

// NewClient creates a portal client sharing one transport across sessions.
func NewClient(cfg config.PortalConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal base url: %w", err)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}

	return &Client{cfg: cfg, base: base, transport: transport}, nil
}

// Lookup resolves a public item identifier to the portal's internal id.
func (c *Client) Lookup(ctx context.Context, itemID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, &http.Client{Transport: c.transport}, c.cfg.LookupPath, url.Values{"code": {itemID}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if statusErr := c.checkStatus("lookup", resp); statusErr != nil {
		return "", statusErr
	}

	var body struct {
		ID string `json:"id"`
	}
	if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(&body); decodeErr != nil {
		return "", fmt.Errorf("decode lookup response: %w", decodeErr)
	}
	if body.ID == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return body.ID, nil
}

// NewSession opens a session with its own cookie jar.
func (c *Client) NewSession() (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &session{client: c, http: &http.Client{Transport: c.transport, Jar: jar}}, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, path string, query url.Values) (*http.Response, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build portal request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &StatusError{Op: op, StatusCode: resp.StatusCode, kind: ErrNotFound}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &StatusError{Op: op, StatusCode: resp.StatusCode, kind: ErrUnauthorized}
	case resp.StatusCode == c.cfg.ChallengeRejectedStatus:
		return &StatusError{Op: op, StatusCode: resp.StatusCode, kind: ErrChallengeRejected}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &StatusError{Op: op, StatusCode: resp.StatusCode, kind: ErrUnavailable}
	default:
		return &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
}

func (c *Client) payloadQuery(req PayloadRequest) (string, url.Values) {
	if req.Target.Kind == domain.TargetItem {
		return c.cfg.CarPath, url.Values{"id": {req.ResolvedID}, "captcha": {req.Answer}}
	}
	return c.cfg.StatePath, url.Values{
		"region":   {req.Target.Region},
		"category": {req.Target.Category},
		"captcha":  {req.Answer},
	}
}

type session struct {
	client *Client
	http   *http.Client
}

// Challenge fetches the challenge image; the session cookie binds it to the next request.
func (s *session) Challenge(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.Timeout)
	defer cancel()

	resp, err := s.client.do(ctx, s.http, s.client.cfg.CaptchaPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if statusErr := s.client.checkStatus("challenge", resp); statusErr != nil {
		return nil, statusErr
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return nil, fmt.Errorf("read challenge image: %w", err)
	}
	return img, nil
}

// Fetch performs the single-shot request, reading the whole payload into memory.
func (s *session) Fetch(ctx context.Context, req PayloadRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.Timeout)
	defer cancel()

	path, query := s.client.payloadQuery(req)
	resp, err := s.client.do(ctx, s.http, path, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if statusErr := s.client.checkStatus("payload", resp); statusErr != nil {
		return nil, statusErr
	}

	limit := int64(s.client.cfg.MaxInlineBytes)
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrPayloadTooLarge, limit)
	}
	return body, nil
}

// Stream performs the streaming request. The caller must close the body;
// closing also releases the request deadline.
func (s *session) Stream(ctx context.Context, req PayloadRequest) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.StreamTimeout)

	path, query := s.client.payloadQuery(req)
	resp, err := s.client.do(ctx, s.http, path, query)
	if err != nil {
		cancel()
		return nil, err
	}

	if statusErr := s.client.checkStatus("payload", resp); statusErr != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, statusErr
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
