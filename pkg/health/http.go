package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, used for the LLM endpoint and
// notification webhooks.
type HTTPChecker struct {
	URL string

	// Method defaults to GET
	Method string

	// ExpectedStatusMin/Max bound the acceptable status codes
	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates an HTTP probe accepting any 2xx/3xx response
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs the HTTP request and classifies the status code
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
