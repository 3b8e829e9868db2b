package contracts

// NOTIFY channel names. The store's pg_notify fan-out is the only
// signalling path between services; payloads are small JSON documents
// or empty.
const (
	// NewJobChannel wakes idle workers. Payload is ignored; one
	// notification is published per enqueue batch.
	NewJobChannel = "new_job"

	// ViewChangesChannel announces view registry mutations. Consumers
	// debounce before reloading.
	ViewChangesChannel = "view_changes"

	// ViewReorgChannel announces a reorg the view processor must
	// rewind for. Handled immediately, never debounced.
	ViewReorgChannel = "view_reorg"

	// StreamChangesChannel announces stream mutations so workers
	// invalidate cached stream definitions.
	StreamChangesChannel = "stream_changes"
)

// ViewReorgMessage is the payload on ViewReorgChannel.
type ViewReorgMessage struct {
	BlockHeight int64  `json:"blockHeight"`
	OldHash     string `json:"oldHash"`
	NewHash     string `json:"newHash"`
}

// ViewChangeMessage is the payload on ViewChangesChannel.
type ViewChangeMessage struct {
	Operation string `json:"operation"` // created | updated | deleted
	Name      string `json:"name"`
}

// StreamChangeMessage is the payload on StreamChangesChannel.
type StreamChangeMessage struct {
	Operation string `json:"operation"`
	StreamID  string `json:"stream_id"`
}
