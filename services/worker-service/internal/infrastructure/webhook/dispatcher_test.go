package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/signing"
)

func TestDispatchDelivered(t *testing.T) {
	var gotSig, gotUA, gotDeliveryID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signing.Header)
		gotUA = r.Header.Get("User-Agent")
		gotDeliveryID = r.Header.Get("X-Delivery-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(5 * time.Second)
	body := []byte(`{"block_height":100}`)
	result := d.Dispatch(context.Background(), srv.URL, "secret", "dlv-1", body)

	require.NoError(t, result.Err)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.False(t, result.Retryable)
	assert.Equal(t, "SecondLayer/1", gotUA)
	assert.Equal(t, "dlv-1", gotDeliveryID)
	assert.Equal(t, body, gotBody)
	assert.True(t, signing.Verify("secret", gotSig, gotBody), "receiver-side verification")
}

func TestDispatchClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error retries", http.StatusInternalServerError, true},
		{"bad gateway retries", http.StatusBadGateway, true},
		{"rate limit retries", http.StatusTooManyRequests, true},
		{"client error is permanent", http.StatusBadRequest, false},
		{"not found is permanent", http.StatusNotFound, false},
		{"redirect is permanent", http.StatusMovedPermanently, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := NewDispatcher(5 * time.Second)
			result := d.Dispatch(context.Background(), srv.URL, "s", "dlv", []byte(`{}`))

			require.Error(t, result.Err)
			assert.Equal(t, tt.status, result.HTTPStatus)
			assert.Equal(t, tt.retryable, result.Retryable)
		})
	}
}

func TestDispatchNetworkErrorIsRetryable(t *testing.T) {
	d := NewDispatcher(time.Second)
	result := d.Dispatch(context.Background(), "http://127.0.0.1:1", "s", "dlv", []byte(`{}`))

	require.Error(t, result.Err)
	assert.True(t, result.Retryable)
	assert.Zero(t, result.HTTPStatus)
}

func TestDispatchDoesNotFollowRedirects(t *testing.T) {
	followed := false
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		followed = true
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	d := NewDispatcher(5 * time.Second)
	result := d.Dispatch(context.Background(), srv.URL, "s", "dlv", []byte(`{}`))

	assert.Equal(t, http.StatusFound, result.HTTPStatus)
	assert.False(t, followed)
}
