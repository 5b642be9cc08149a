// Package api provides the HTTP client for token-gated track streaming.
//
// The streaming endpoint never serves bytes itself: it answers every request
// with a redirect whose Location header is a time-limited, signed CDN URL.
// The redirect must not be followed automatically because seeking needs to
// reuse the resolved CDN URL directly, with a Range header, without hitting
// the gated endpoint again.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	resolveTimeout = 30 * time.Second

	// Streams of long tracks stay open for minutes; stall detection happens
	// per-read in the fetcher, not here.
	streamTimeout = 600 * time.Second
)

// ErrNoLocation is returned when the gated endpoint responds without a
// Location header, so no CDN URL can be extracted.
var ErrNoLocation = errors.New("no Location header in redirect response")

// StatusError reports an unexpected HTTP status from the CDN.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

// Client resolves gated stream URLs and opens chunked CDN transfers.
type Client struct {
	resolver  *resty.Client
	streaming *resty.Client
}

func NewClient() *Client {
	return &Client{
		resolver: resty.New().
			SetTimeout(resolveTimeout).
			SetRedirectPolicy(resty.RedirectPolicyFunc(func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			})),
		streaming: resty.New().
			SetTimeout(streamTimeout).
			SetDoNotParseResponse(true),
	}
}

// ResolveStreamURL asks the gated endpoint for the actual CDN URL. The bearer
// token authorizes this request only; the CDN URL it returns is pre-signed
// and needs no further credentials.
func (c *Client) ResolveStreamURL(ctx context.Context, gatedURL, token string) (string, error) {
	resp, err := c.resolver.R().
		SetContext(ctx).
		SetHeader("Authorization", fmt.Sprintf("OAuth %s", token)).
		Get(gatedURL)
	if err != nil {
		return "", fmt.Errorf("failed to reach streaming endpoint: %w", err)
	}

	location := resp.Header().Get("Location")
	if location == "" {
		return "", ErrNoLocation
	}

	log.Debug().Int("status", resp.StatusCode()).Msg("Resolved CDN URL from redirect")
	return location, nil
}

// OpenStream issues a GET against a resolved CDN URL and hands back the raw
// body for chunked reading. A positive offset requests a ranged transfer
// (seek/resume). The caller owns closing the body.
func (c *Client) OpenStream(ctx context.Context, cdnURL string, offset int64) (io.ReadCloser, int64, error) {
	req := c.streaming.R().SetContext(ctx)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := req.Get(cdnURL)
	if err != nil {
		return nil, 0, fmt.Errorf("CDN request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || (status >= 300 && status != http.StatusPartialContent) {
		resp.RawBody().Close()
		return nil, 0, &StatusError{StatusCode: status, Status: resp.Status()}
	}

	return resp.RawBody(), resp.RawResponse.ContentLength, nil
}
