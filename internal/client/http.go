package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/cache"
	"github.com/civictrack/resilience-core/internal/coordinator"
)

// maxResponseBytes caps how much of an upstream response is read.
const maxResponseBytes = 10 << 20

// FetchOptions configure an OptimizedFetch call.
type FetchOptions struct {
	Method     string // defaults to GET
	Headers    map[string]string
	Body       string
	HTTPClient *http.Client  // defaults to http.DefaultClient
	DataType   string        // cache key prefix, defaults to "fetch"
	TTL        time.Duration // 0 resolves from the cache's TTL table
}

// OptimizedFetch runs an HTTP request through the full protective stack. The
// dedup signature is the method/url/body triple, so concurrent identical
// fetches collapse to one network call regardless of caller.
func (c *Client) OptimizedFetch(ctx context.Context, url string, opts FetchOptions) (Result, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	dataType := opts.DataType
	if dataType == "" {
		dataType = "fetch"
	}

	key := cache.Key(dataType, map[string]any{"method": method, "url": url, "body": opts.Body})
	sig := coordinator.Signature(method, url, opts.Body)
	return c.execute(ctx, key, sig, opts.TTL, HTTPOperation(httpClient, method, url, opts.Headers, opts.Body))
}

// HTTPOperation wraps an HTTP call as a classified Operation. This is the
// network-adapter boundary: transport errors and status codes are mapped to
// error kinds exactly once, here, so no other component ever matches on
// error strings.
func HTTPOperation(httpClient *http.Client, method, url string, headers map[string]string, body string) Operation {
	return func(ctx context.Context) ([]byte, error) {
		var reqBody io.Reader
		if body != "" {
			reqBody = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindValidation, "building request", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, apierror.Wrap(apierror.KindNetwork, "reading response body", err)
		}

		if kind, ok := classifyStatus(resp.StatusCode); ok {
			return nil, apierror.New(kind, fmt.Sprintf("upstream returned %d for %s", resp.StatusCode, url))
		}
		return payload, nil
	}
}

// classifyTransportError maps a transport-level failure to an error kind.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.Wrap(apierror.KindTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return apierror.Wrap(apierror.KindTimeout, "request cancelled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Wrap(apierror.KindTimeout, "network timeout", err)
	}

	// Everything else at the transport level — refused connections, resets,
	// DNS failures — is a network error.
	return apierror.Wrap(apierror.KindNetwork, "transport failure", err)
}

// classifyStatus maps a non-2xx status to an error kind. The bool reports
// whether the status is an error at all.
func classifyStatus(status int) (apierror.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusNotFound:
		return apierror.KindNotFound, true
	case status == http.StatusTooManyRequests:
		return apierror.KindRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apierror.KindTimeout, true
	case status == http.StatusBadGateway:
		return apierror.KindNetwork, true
	case status == http.StatusServiceUnavailable:
		return apierror.KindServiceUnavailable, true
	case status >= 400 && status < 500:
		return apierror.KindValidation, true
	default:
		return apierror.KindUpstream, true
	}
}
