package repository

import (
	"context"
	"fmt"

	workerdomain "github.com/secondlayer/streams/services/worker-service/internal/domain"
	"github.com/secondlayer/streams/shared/postgres"
)

// DeliveryRepository records webhook attempts. Rows are immutable once
// written.
type DeliveryRepository struct {
	db *postgres.Store
}

// NewDeliveryRepository creates a delivery writer.
func NewDeliveryRepository(store *postgres.Store) *DeliveryRepository {
	return &DeliveryRepository{db: store}
}

// Insert writes one delivery row.
func (r *DeliveryRepository) Insert(ctx context.Context, d *workerdomain.Delivery) error {
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO deliveries (id, stream_id, job_id, block_height, status, http_status, response_time_ms, attempts, error, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.StreamID, d.JobID, d.BlockHeight, d.Status, d.HTTPStatus, d.ResponseTimeMs, d.Attempts, d.Error, []byte(d.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert delivery %s: %w", d.ID, err)
	}
	return nil
}
