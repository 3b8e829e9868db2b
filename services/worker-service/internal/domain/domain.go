package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/secondlayer/streams/shared/chain"
)

// Stream is a webhook subscription: filters plus a destination.
type Stream struct {
	ID            string          `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Status        string          `db:"status" json:"status"`
	Filters       json.RawMessage `db:"filters" json:"filters"`
	Options       json.RawMessage `db:"options" json:"options"`
	WebhookURL    string          `db:"webhook_url" json:"webhook_url"`
	WebhookSecret string          `db:"webhook_secret" json:"-"`
}

// Stream statuses.
const (
	StreamActive = "active"
	StreamPaused = "paused"
)

// Delivery is the immutable audit record of one webhook attempt.
type Delivery struct {
	ID             string          `db:"id" json:"id"`
	StreamID       string          `db:"stream_id" json:"stream_id"`
	JobID          *int64          `db:"job_id" json:"job_id,omitempty"`
	BlockHeight    int64           `db:"block_height" json:"block_height"`
	Status         string          `db:"status" json:"status"`
	HTTPStatus     *int            `db:"http_status" json:"http_status,omitempty"`
	ResponseTimeMs int64           `db:"response_time_ms" json:"response_time_ms"`
	Attempts       int             `db:"attempts" json:"attempts"`
	Error          *string         `db:"error" json:"error,omitempty"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
}

// Delivery statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookPayload is the body POSTed to a stream's endpoint. Downstream
// ordering correctness hangs off BlockHeight, not arrival order.
type WebhookPayload struct {
	StreamID     string                `json:"stream_id"`
	BlockHeight  int64                 `json:"block_height"`
	BlockHash    string                `json:"block_hash"`
	Timestamp    int64                 `json:"timestamp"`
	Events       []*chain.Event      `json:"events"`
	Transactions []*chain.Transaction `json:"transactions"`
}

// StreamRepository reads stream definitions and updates their delivery
// counters.
type StreamRepository interface {
	// GetStream loads one stream definition.
	GetStream(ctx context.Context, id string) (*Stream, error)

	// RecordDelivery bumps the stream's aggregate counters after an
	// attempt.
	RecordDelivery(ctx context.Context, streamID string, blockHeight int64, failed bool, lastError string) error

	// InvalidateCache drops any cached definition for a stream.
	InvalidateCache(ctx context.Context, streamID string)
}

// BlockRepository reads canonical chain data for payload assembly.
type BlockRepository interface {
	GetCanonicalBlock(ctx context.Context, height int64) (*chain.Block, error)
	GetTransactions(ctx context.Context, height int64) ([]*chain.Transaction, error)
	GetEvents(ctx context.Context, height int64) ([]*chain.Event, error)
}

// DeliveryRepository records webhook attempts.
type DeliveryRepository interface {
	Insert(ctx context.Context, d *Delivery) error
}

// DeliveryResult is the dispatcher's verdict on one POST.
type DeliveryResult struct {
	HTTPStatus   int
	ResponseTime time.Duration
	Err          error
	Retryable    bool
}
