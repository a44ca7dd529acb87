// Package fhirstore reads current resource content from the FHIR record
// store over its REST interface.
package fhirstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
)

// CloudPlatformScope is the OAuth2 scope requested for record store reads.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

const (
	// maxBodyBytes caps the resource bodies we are willing to buffer.
	maxBodyBytes = 16 << 20
	// maxErrorBody is how much of a failed response is kept for diagnostics.
	maxErrorBody = 512
)

// FetchError is returned when the store answers with a non-2xx status.
type FetchError struct {
	Name   string
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%d %s for %s", e.Status, http.StatusText(e.Status), e.Name)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a FetchError for a missing resource.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && (fe.Status == http.StatusNotFound || fe.Status == http.StatusGone)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each fetch. Zero disables the per-call bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client fetches resources by name. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a client without credentials, suitable for emulators and
// local FHIR servers.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewGoogle creates a client authorised with the ambient Google default
// credentials. Tokens are cached and refreshed by the oauth2 transport.
func NewGoogle(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	hc, err := google.DefaultClient(ctx, CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("default credentials: %w", err)
	}
	return New(baseURL, append([]Option{WithHTTPClient(hc)}, opts...)...), nil
}

// DetectProject returns the project of the ambient default credentials, or
// "" when none can be found.
func DetectProject(ctx context.Context) string {
	creds, err := google.FindDefaultCredentials(ctx, CloudPlatformScope)
	if err != nil || creds == nil {
		return ""
	}
	return creds.ProjectID
}

// URL returns the address used to read the named resource.
func (c *Client) URL(loc fhir.Locator) string {
	return c.baseURL + "/" + strings.TrimLeft(loc.Name, "/")
}

// Fetch reads the current content of the resource. It does not retry; a
// failed fetch is left to the notification channel's redelivery.
func (c *Client) Fetch(ctx context.Context, loc fhir.Locator) (*fhir.Resource, error) {
	if loc.IsZero() {
		return nil, errors.New("empty resource name")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(loc), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &FetchError{
			Name:   loc.Name,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc.Name, err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("read %s: body exceeds %d bytes", loc.Name, maxBodyBytes)
	}

	res, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", loc.Name, err)
	}
	return res, nil
}
