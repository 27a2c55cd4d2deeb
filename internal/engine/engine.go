package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/dataverse"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/pool"
	"github.com/ajitpratap0/quasar/pkg/singer"
	"github.com/ajitpratap0/quasar/pkg/state"
)

// Config carries the run-level knobs for a sync.
type Config struct {
	// Concurrency is the number of entities synced in parallel. At 1 the
	// engine also maintains the currently_syncing marker, which only has
	// meaning when streams run one at a time.
	Concurrency int
	// CheckpointRecords emits an intermediate STATE after this many
	// records per incremental stream. Zero checkpoints only at stream
	// completion.
	CheckpointRecords int
	// StartDate is the initial cutoff for incremental streams that have
	// no stored bookmark, RFC3339.
	StartDate string
}

// Engine drives one sync run: for each selected stream it plans
// replication, pages records through coercion to the writer, and
// advances bookmarks.
type Engine struct {
	client *dataverse.Client
	writer *singer.Writer
	state  *state.State
	cat    *catalog.Catalog
	cfg    Config
	logger *zap.Logger
	stats  *metrics.RunStats
}

// New assembles an engine over an already-built client, writer, state
// and catalog.
func New(client *dataverse.Client, writer *singer.Writer, st *state.State, cat *catalog.Catalog, cfg Config) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{
		client: client,
		writer: writer,
		state:  st,
		cat:    cat,
		cfg:    cfg,
		logger: logger.Get().Named("engine"),
		stats:  metrics.NewRunStats(),
	}
}

// Stats exposes the run totals for the CLI summary.
func (e *Engine) Stats() *metrics.RunStats {
	return e.stats
}

// Run syncs every selected stream. A stream interrupted on the previous
// run resumes first. Failures are isolated per entity except for auth
// errors, which abort the whole run since no later request can succeed.
// The returned error reflects the first failure; the run still emits a
// final STATE so completed bookmarks survive.
func (e *Engine) Run(ctx context.Context) error {
	runID := uuid.New().String()
	log := e.logger.With(zap.String("run_id", runID))

	streams := e.cat.SelectedStreams(e.state.CurrentlySyncing())
	if len(streams) == 0 {
		log.Warn("no streams selected, nothing to sync")
		return nil
	}

	names := make([]string, len(streams))
	for i, s := range streams {
		names[i] = s.TapStreamID
	}
	log.Info("sync starting",
		zap.Int("streams", len(streams)),
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Strings("order", names))

	var runErr error
	if e.cfg.Concurrency == 1 {
		runErr = e.runSequential(ctx, log, streams)
	} else {
		runErr = e.runConcurrent(ctx, log, streams)
	}

	e.state.SetCurrentlySyncing("")
	if err := e.emitState(); err != nil && runErr == nil {
		runErr = err
	}

	records, pages, entities, failures, elapsed := e.stats.Snapshot()
	log.Info("sync finished",
		zap.Int64("records", records),
		zap.Int64("pages", pages),
		zap.Int64("entities", entities),
		zap.Int64("failures", failures),
		zap.Duration("elapsed", elapsed))
	return runErr
}

func (e *Engine) runSequential(ctx context.Context, log *zap.Logger, streams []*catalog.Stream) error {
	var (
		authErr  error
		firstErr error
		failed   int
	)
	for _, stream := range streams {
		e.state.SetCurrentlySyncing(stream.TapStreamID)
		if err := e.emitState(); err != nil {
			return err
		}

		err := e.syncEntity(ctx, log, stream)
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
		if errors.IsType(err, errors.ErrorTypeAuth) {
			authErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return runError(authErr, firstErr, failed, len(streams))
}

func (e *Engine) runConcurrent(ctx context.Context, log *zap.Logger, streams []*catalog.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		authErr  error
		firstErr error
		failed   int
	)

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func(stream *catalog.Stream) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			err := e.syncEntity(ctx, log, stream)
			if err == nil {
				return
			}
			mu.Lock()
			failed++
			if firstErr == nil {
				firstErr = err
			}
			if authErr == nil && errors.IsType(err, errors.ErrorTypeAuth) {
				authErr = err
			}
			mu.Unlock()
			if errors.IsType(err, errors.ErrorTypeAuth) {
				cancel()
			}
		}(stream)
	}
	wg.Wait()
	return runError(authErr, firstErr, failed, len(streams))
}

func runError(authErr, firstErr error, failed, total int) error {
	if authErr != nil {
		return authErr
	}
	if firstErr == nil {
		return nil
	}
	return errors.Wrap(firstErr, errors.TypeOf(firstErr),
		fmt.Sprintf("%d of %d entity syncs failed", failed, total))
}

// syncEntity wraps one stream sync with its span, timing and failure
// accounting.
func (e *Engine) syncEntity(ctx context.Context, log *zap.Logger, stream *catalog.Stream) error {
	ctx, span := observability.StartSpan(ctx, "sync_entity",
		attribute.String("entity", stream.TapStreamID))
	timer := metrics.NewTimer()

	err := e.syncStream(ctx, log, stream)

	status := "success"
	if err != nil {
		status = "failure"
		metrics.EntityFailures.WithLabelValues(stream.TapStreamID, string(errors.TypeOf(err))).Inc()
		log.Error("entity sync failed",
			zap.String("entity", stream.TapStreamID),
			zap.Error(err))
	}
	metrics.EntitySyncDuration.WithLabelValues(stream.TapStreamID, status).
		Observe(timer.Stop().Seconds())
	observability.EndSpan(span, err)
	e.stats.AddEntity(err != nil)
	return err
}

func (e *Engine) syncStream(ctx context.Context, log *zap.Logger, stream *catalog.Stream) error {
	id := stream.TapStreamID
	entitySet := stream.EntitySetName()
	if entitySet == "" {
		return errors.Newf(errors.ErrorTypeConfig,
			"stream %s has no entity-set-name metadata, re-run discovery", id)
	}

	plan := PlanReplication(stream, e.state, e.cfg.StartDate)
	fields := stream.SelectedFields()
	co := newCoercer(stream.Schema, fields)

	log = log.With(zap.String("entity", id))
	log.Info("entity sync starting",
		zap.String("mode", string(plan.Mode)),
		zap.String("replication_key", plan.Key),
		zap.String("cutoff", plan.Cutoff),
		zap.Int("fields", len(fields)))

	var bookmarkProps []string
	if plan.Mode == ModeIncremental {
		bookmarkProps = []string{plan.Key}
	}
	if err := e.writer.Write(singer.NewSchema(id, stream.Schema, stream.KeyProperties, bookmarkProps)); err != nil {
		return err
	}

	// The audit marker for a full-table sync is when extraction began,
	// not when it finished: records changed mid-sync may be missing
	// from the snapshot, so only changes before this instant are known
	// to be captured.
	startedAt := time.Now().UTC()

	// maxSeen starts at the cutoff so the bookmark never regresses on a
	// run that returns no newer records.
	var maxSeen time.Time
	if plan.Cutoff != "" {
		if t, err := time.Parse(time.RFC3339Nano, plan.Cutoff); err == nil {
			maxSeen = t
		}
	}

	query := dataverse.Query{
		EntitySetName: entitySet,
		Fields:        fields,
	}
	if plan.Mode == ModeIncremental {
		query.FilterKey = plan.Key
		query.Cutoff = plan.Cutoff
		query.OrderBy = plan.Key
	}

	pager := e.client.Query(query)
	var (
		records         int64
		pages           int64
		sinceCheckpoint int
	)
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			break
		}
		pages++
		e.stats.AddPage()
		metrics.PagesFetched.WithLabelValues(id).Inc()
		extractedAt := time.Now().UTC()

		for i, rec := range page.Records {
			if err := co.coerceRecord(rec); err != nil {
				releaseRecords(page.Records[i:])
				return err
			}
			if plan.Mode == ModeIncremental {
				if s, ok := rec[plan.Key].(string); ok {
					if t, perr := time.Parse(time.RFC3339Nano, s); perr == nil && t.After(maxSeen) {
						maxSeen = t
					}
				}
			}

			werr := e.writer.Write(singer.NewRecord(id, rec, extractedAt))
			pool.PutMap(rec)
			if werr != nil {
				releaseRecords(page.Records[i+1:])
				return werr
			}
			records++
			sinceCheckpoint++

			if plan.Mode == ModeIncremental && e.cfg.CheckpointRecords > 0 &&
				sinceCheckpoint >= e.cfg.CheckpointRecords {
				if err := e.checkpoint(id, plan.Key, maxSeen); err != nil {
					releaseRecords(page.Records[i+1:])
					return err
				}
				log.Debug("checkpoint",
					zap.Int64("records", records),
					zap.Time("bookmark", maxSeen))
				sinceCheckpoint = 0
			}
		}
		e.stats.AddRecords(int64(len(page.Records)))
		metrics.RecordsEmitted.WithLabelValues(id).Add(float64(len(page.Records)))
	}

	switch {
	case plan.Mode == ModeIncremental && !maxSeen.IsZero():
		e.state.SetBookmark(id, plan.Key, maxSeen.Format(time.RFC3339Nano))
		metrics.BookmarksWritten.WithLabelValues(id).Inc()
	case plan.Mode == ModeFullTable:
		e.state.SetBookmark(id, state.FullSyncStartedKey, startedAt.Format(time.RFC3339Nano))
		metrics.BookmarksWritten.WithLabelValues(id).Inc()
	}
	if err := e.emitState(); err != nil {
		return err
	}

	log.Info("entity sync complete",
		zap.Int64("records", records),
		zap.Int64("pages", pages),
		zap.Duration("elapsed", time.Since(startedAt)))
	return nil
}

// checkpoint advances an incremental bookmark mid-stream. Records are
// fetched in replication-key order, so every record not yet emitted
// sorts at or after maxSeen and a rerun from this bookmark loses
// nothing.
func (e *Engine) checkpoint(entity, key string, maxSeen time.Time) error {
	if maxSeen.IsZero() {
		return nil
	}
	e.state.SetBookmark(entity, key, maxSeen.Format(time.RFC3339Nano))
	if err := e.emitState(); err != nil {
		return err
	}
	metrics.BookmarksWritten.WithLabelValues(entity).Inc()
	return nil
}

// emitState writes the full state document as a STATE message.
func (e *Engine) emitState() error {
	return e.writer.Write(singer.NewState(e.state.Snapshot()))
}

func releaseRecords(recs []map[string]interface{}) {
	for _, rec := range recs {
		pool.PutMap(rec)
	}
}
