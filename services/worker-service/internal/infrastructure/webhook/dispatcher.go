package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	workerdomain "github.com/secondlayer/streams/services/worker-service/internal/domain"
	"github.com/secondlayer/streams/shared/signing"
)

const userAgent = "SecondLayer/1"

// Dispatcher signs and POSTs webhook payloads.
type Dispatcher struct {
	client *http.Client
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. Redirects are not followed: a 3xx
// is recorded as a permanent failure instead of leaking signed payloads
// to a relocated endpoint.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

// Dispatch delivers one signed payload and classifies the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, url, secret, deliveryID string, body []byte) workerdomain.DeliveryResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return workerdomain.DeliveryResult{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set(signing.Header, signing.Sign(secret, d.now().Unix(), body))

	start := d.now()
	resp, err := d.client.Do(req)
	elapsed := d.now().Sub(start)
	if err != nil {
		// Network errors are always worth a retry.
		return workerdomain.DeliveryResult{
			ResponseTime: elapsed,
			Err:          fmt.Errorf("webhook request failed: %w", err),
			Retryable:    true,
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := workerdomain.DeliveryResult{
		HTTPStatus:   resp.StatusCode,
		ResponseTime: elapsed,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Delivered.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		result.Err = fmt.Errorf("webhook returned %d", resp.StatusCode)
		result.Retryable = true
	default:
		// 3xx and remaining 4xx are the receiver's problem; recorded
		// and never retried.
		result.Err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return result
}
