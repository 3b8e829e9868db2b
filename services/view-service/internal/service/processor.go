package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/secondlayer/streams/services/view-service/internal/domain"
	"github.com/secondlayer/streams/services/view-service/internal/handler"
	"github.com/secondlayer/streams/services/view-service/internal/infrastructure/repository"
	"github.com/secondlayer/streams/services/view-service/internal/schema"
	workerfilter "github.com/secondlayer/streams/shared/filter"
	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/postgres"
)

// Config holds processor tuning.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Debounce     time.Duration
	ErrorBackoff time.Duration
}

// viewState is one view's in-memory processing state. The store stays
// authoritative; this caches what the loop needs between iterations.
type viewState struct {
	view    *domain.View
	def     *domain.Definition
	handler domain.Handler
	sources []workerfilter.Predicate

	mu          sync.Mutex
	running     bool
	paused      bool // schema hash mismatch, needs migration
	pausedUntil time.Time
	rewindTo    int64 // 0 = none; otherwise rewind before next block
}

// Processor advances every active view over the contiguous block
// stream and rolls them back on reorg.
type Processor struct {
	cfg      Config
	repo     domain.ViewRepository
	registry *handler.Registry
	listener *postgres.Listener
	network  string
	logger   *logging.Logger
	metrics  *metrics.ViewMetrics

	mu    sync.Mutex
	views map[string]*viewState

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewProcessor creates a view processor. listener must be subscribed to
// the view_changes and view_reorg channels.
func NewProcessor(
	cfg Config,
	repo domain.ViewRepository,
	registry *handler.Registry,
	listener *postgres.Listener,
	network string,
	logger *logging.Logger,
	m *metrics.ViewMetrics,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 10 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		listener: listener,
		network:  network,
		logger:   logger,
		metrics:  m,
		views:    make(map[string]*viewState),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Run loads the registry and processes views until the context ends.
// In-flight block transactions finish before Run returns.
func (p *Processor) Run(ctx context.Context) {
	if err := p.reload(ctx); err != nil {
		p.logger.WithError(err).Error("initial view registry load failed")
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var notifications <-chan postgres.Notification
	if p.listener != nil {
		notifications = p.listener.C
	}

	// Registry reloads are debounced; the zero timer stays parked
	// until a view_changes notification arms it.
	reload := time.NewTimer(0)
	if !reload.Stop() {
		<-reload.C
	}
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("view processor stopped")
			return
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			switch n.Channel {
			case contracts.ViewChangesChannel:
				reload.Reset(p.cfg.Debounce)
			case contracts.ViewReorgChannel:
				p.handleReorg(n.Payload)
			}
		case <-reload.C:
			if err := p.reload(ctx); err != nil {
				p.logger.WithError(err).Error("view registry reload failed")
			}
		case <-ticker.C:
			p.dispatch(ctx)
		}
	}
}

// reload pulls the registry from the store, ensures schemas exist, and
// pauses views whose stored hash no longer matches their definition.
func (p *Processor) reload(ctx context.Context) error {
	views, err := p.repo.ListViews(ctx)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RegistryReloads.Inc()
	}

	next := make(map[string]*viewState, len(views))
	for _, v := range views {
		logger := p.logger.WithField("view", v.Name)

		def, err := schema.ParseDefinition(v.Definition)
		if err != nil {
			logger.WithError(err).Error("view has invalid definition, skipping")
			continue
		}

		h, err := p.registry.Resolve(def.Handler)
		if err != nil {
			logger.WithError(err).Error("view references unknown handler, skipping")
			continue
		}

		sources, err := workerfilter.Parse(def.Sources)
		if err != nil {
			logger.WithError(err).Error("view has invalid sources, skipping")
			continue
		}

		vs := &viewState{view: v, def: def, handler: h, sources: sources}

		// Keep run state from the previous registry generation.
		p.mu.Lock()
		if prev, ok := p.views[v.ID]; ok {
			prev.mu.Lock()
			vs.running = prev.running
			vs.pausedUntil = prev.pausedUntil
			vs.rewindTo = prev.rewindTo
			prev.mu.Unlock()
		}
		p.mu.Unlock()

		if v.Status != domain.ViewActive {
			vs.paused = true
			next[v.ID] = vs
			continue
		}

		if err := p.repo.EnsureSchema(ctx, v, def); err != nil {
			logger.WithError(err).Error("failed to ensure view schema")
			continue
		}

		currentHash := schema.Hash(def)
		switch v.SchemaHash {
		case "":
			if err := p.repo.UpdateSchemaHash(ctx, v.ID, currentHash); err != nil {
				logger.WithError(err).Error("failed to record schema hash")
			}
		case currentHash:
			// Schema unchanged.
		default:
			// Definition changed shape under an existing schema. A
			// migration is a deliberate operation, not something the
			// processor improvises; park the view until then.
			logger.Warn("schema hash mismatch, pausing view pending migration")
			vs.paused = true
			if err := p.repo.SetStatus(ctx, v.ID, domain.ViewPaused); err != nil {
				logger.WithError(err).Error("failed to pause view")
			}
		}
		next[v.ID] = vs
	}

	p.mu.Lock()
	p.views = next
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveViews.Set(float64(len(next)))
	}
	p.logger.WithField("views", len(next)).Info("view registry loaded")
	return nil
}

// dispatch starts a processing pass for every idle, unpaused view.
func (p *Processor) dispatch(ctx context.Context) {
	p.mu.Lock()
	states := make([]*viewState, 0, len(p.views))
	for _, vs := range p.views {
		states = append(states, vs)
	}
	p.mu.Unlock()

	for _, vs := range states {
		vs.mu.Lock()
		ready := !vs.running && !vs.paused && time.Now().After(vs.pausedUntil)
		if ready {
			vs.running = true
		}
		vs.mu.Unlock()
		if !ready {
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			vs.mu.Lock()
			vs.running = false
			vs.mu.Unlock()
			return
		}

		p.wg.Add(1)
		go func(vs *viewState) {
			defer func() {
				<-p.sem
				p.wg.Done()
				vs.mu.Lock()
				vs.running = false
				vs.mu.Unlock()
			}()
			p.processView(ctx, vs)
		}(vs)
	}
}

// processView advances one view to the contiguous tip. Each block runs
// in its own transaction; the first failure stops the pass and backs
// the view off.
func (p *Processor) processView(ctx context.Context, vs *viewState) {
	logger := p.logger.WithField("view", vs.view.Name)

	tip, err := p.repo.ContiguousTip(ctx, p.network)
	if err != nil {
		logger.WithError(err).Error("failed to read contiguous tip")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if p.applyPendingRewind(ctx, vs, logger) {
			return
		}

		height := vs.view.LastProcessedBlock + 1
		if height > tip {
			return
		}

		if err := p.processBlock(ctx, vs, height); err != nil {
			logger.WithError(err).WithField("height", height).Error("view handler failed, backing off")
			if err := p.repo.RecordError(ctx, vs.view.ID, err); err != nil {
				logger.WithError(err).Error("failed to record view error")
			}
			if p.metrics != nil {
				p.metrics.HandlerErrors.WithLabelValues(vs.view.Name).Inc()
			}
			vs.mu.Lock()
			vs.pausedUntil = time.Now().Add(p.cfg.ErrorBackoff)
			vs.mu.Unlock()
			return
		}

		vs.view.LastProcessedBlock = height
		if p.metrics != nil {
			p.metrics.BlocksProcessed.WithLabelValues(vs.view.Name).Inc()
		}
	}
}

// processBlock runs the view handler for one block inside one
// transaction: handler writes and the cursor advance commit together.
func (p *Processor) processBlock(ctx context.Context, vs *viewState, height int64) error {
	block, txs, events, err := p.repo.BlockData(ctx, height)
	if err != nil {
		return err
	}
	txs, events = workerfilter.Match(vs.sources, txs, events)

	tx, err := p.repo.BeginBlockTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	writer := repository.NewRowWriter(tx, vs.view.SchemaName, vs.def, height, p.logger.WithField("view", vs.view.Name))
	if err := vs.handler.Handle(ctx, writer, block, txs, events); err != nil {
		return err
	}
	if err := p.repo.AdvanceProcessed(ctx, tx, vs.view.ID, height); err != nil {
		return err
	}
	return tx.Commit()
}

// applyPendingRewind performs a queued reorg rewind. Returns true when
// a rewind ran, ending the current pass so the next one re-reads the
// tip.
func (p *Processor) applyPendingRewind(ctx context.Context, vs *viewState, logger *logging.Logger) bool {
	vs.mu.Lock()
	height := vs.rewindTo
	vs.rewindTo = 0
	vs.mu.Unlock()
	if height == 0 {
		return false
	}

	if err := p.repo.Rewind(ctx, vs.view, vs.def, height); err != nil {
		logger.WithError(err).Error("view rewind failed")
		vs.mu.Lock()
		// Put the rewind back so it runs before any further block.
		if vs.rewindTo == 0 || height < vs.rewindTo {
			vs.rewindTo = height
		}
		vs.mu.Unlock()
		return true
	}

	vs.view.LastProcessedBlock = height - 1
	if p.metrics != nil {
		p.metrics.Rewinds.Inc()
	}
	logger.WithField("height", height).Warn("view rewound for reorg")
	return true
}

// handleReorg queues a rewind for every view that has processed the
// reorged height. Idle views pick it up on the next dispatch tick;
// running views before their next block.
func (p *Processor) handleReorg(payload string) {
	var msg contracts.ViewReorgMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.BlockHeight <= 0 {
		p.logger.WithField("payload", payload).Warn("ignoring malformed reorg notification")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vs := range p.views {
		if vs.view.LastProcessedBlock < msg.BlockHeight {
			continue
		}
		vs.mu.Lock()
		if vs.rewindTo == 0 || msg.BlockHeight < vs.rewindTo {
			vs.rewindTo = msg.BlockHeight
		}
		vs.mu.Unlock()
		p.logger.WithFields(map[string]interface{}{
			"view":   vs.view.Name,
			"height": msg.BlockHeight,
		}).Warn("reorg rewind queued")
	}
}
