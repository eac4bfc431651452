// Package reflect promotes raw shards into codestones, codecells and
// lineages through versioned, idempotent passes.
package reflect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/keylock"
	"github.com/lazypower/mnemos/internal/llm"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/store"
)

// ErrPoison marks input a pass can never process. It is dead-lettered
// without retries.
var ErrPoison = errors.New("poison input")

// ErrUnknownPass is returned by Run for a pass name that is not registered.
var ErrUnknownPass = errors.New("unknown pass")

// Pass names in promotion order.
const (
	PassDistill = "distill"
	PassCluster = "cluster"
	PassElevate = "elevate"
)

// Pass is one promotion step. Apply must be idempotent: running it twice
// on unchanged input leaves the store as it was.
type Pass interface {
	Name() string
	Version() int
	// Entities lists the entity ids due for this pass.
	Entities(ctx context.Context) ([]string, error)
	// InputHash fingerprints everything Apply reads for id.
	InputHash(ctx context.Context, id string) (string, error)
	Apply(ctx context.Context, id string) error
}

// variantPass is implemented by passes whose output depends on runtime
// configuration, such as the embedding model. Runs recorded under another
// variant are stale.
type variantPass interface {
	Variant() string
}

func variantOf(pass Pass) string {
	if v, ok := pass.(variantPass); ok {
		return v.Variant()
	}
	return ""
}

// RunStats summarizes one pass run.
type RunStats struct {
	Pass         string        `json:"pass"`
	Version      int           `json:"version"`
	Considered   int           `json:"considered"`
	Applied      int           `json:"applied"`
	Unchanged    int           `json:"unchanged"`
	Parked       int           `json:"parked"`
	DeadLettered int           `json:"dead_lettered"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Options tunes the pipeline. Zero values take defaults.
type Options struct {
	Workers          int
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BatchSize        int
	ClusterThreshold float64
	MinMembers       int
	MinRecurrence    int
}

// OptionsFromConfig maps the reflection config section onto Options.
func OptionsFromConfig(cfg config.ReflectionConfig) Options {
	return Options{
		Workers:          cfg.Workers,
		MaxAttempts:      cfg.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		BatchSize:        cfg.BatchSize,
		ClusterThreshold: cfg.ClusterThreshold,
		MinMembers:       cfg.MinMembers,
		MinRecurrence:    cfg.MinRecurrence,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2 * runtime.NumCPU()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ClusterThreshold <= 0 {
		o.ClusterThreshold = 0.75
	}
	if o.MinMembers <= 0 {
		o.MinMembers = 2
	}
	if o.MinRecurrence <= 0 {
		o.MinRecurrence = 2
	}
	return o
}

// Pipeline owns the registered passes and runs them against the store.
type Pipeline struct {
	db     *store.DB
	gen    *embed.Generator
	llm    llm.Client
	opts   Options
	locks  *keylock.Map
	passes map[string]Pass
	order  []string
	log    *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New builds a pipeline with the distill, cluster and elevate passes.
// gen and client may be nil: essences then stay extractive and no
// vectors are written.
func New(db *store.DB, gen *embed.Generator, client llm.Client, opts Options, log *zap.Logger) *Pipeline {
	p := &Pipeline{
		db:      db,
		gen:     gen,
		llm:     client,
		opts:    opts.withDefaults(),
		locks:   keylock.New(),
		passes:  make(map[string]Pass),
		log:     logging.OrNop(log).Named("reflect"),
		running: make(map[string]bool),
	}
	p.Register(&distillPass{p: p})
	p.Register(&clusterPass{p: p})
	p.Register(&elevatePass{p: p})
	return p
}

// Register adds or replaces a pass. Passes run in registration order.
func (p *Pipeline) Register(pass Pass) {
	if _, ok := p.passes[pass.Name()]; !ok {
		p.order = append(p.order, pass.Name())
	}
	p.passes[pass.Name()] = pass
}

// Passes returns the registered pass names in order.
func (p *Pipeline) Passes() []string {
	return append([]string(nil), p.order...)
}

// Run executes one batch of the named pass. A run of the same pass that is
// already in flight makes this call a no-op.
func (p *Pipeline) Run(ctx context.Context, name string) (RunStats, error) {
	pass, ok := p.passes[name]
	if !ok {
		return RunStats{}, fmt.Errorf("%w: %q", ErrUnknownPass, name)
	}

	p.mu.Lock()
	if p.running[name] {
		p.mu.Unlock()
		p.log.Debug("pass already running", zap.String("pass", name))
		return RunStats{Pass: name, Version: pass.Version()}, nil
	}
	p.running[name] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, name)
		p.mu.Unlock()
	}()

	ctx, span := otel.Tracer("mnemos/reflect").Start(ctx, "reflect."+name)
	defer span.End()

	start := time.Now()
	stats := RunStats{Pass: name, Version: pass.Version()}

	ids, err := pass.Entities(ctx)
	if err != nil {
		return stats, fmt.Errorf("%s entities: %w", name, err)
	}
	stats.Considered = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			res, err := p.process(gctx, pass, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res = p.isolate(ctx, pass, id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultApplied:
				stats.Applied++
			case resultUnchanged:
				stats.Unchanged++
			case resultParked:
				stats.Parked++
			case resultDeadLettered:
				stats.DeadLettered++
			case resultFailed:
				stats.Failed++
			}
			return nil
		})
	}
	err = g.Wait()
	stats.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("reflect.considered", stats.Considered),
		attribute.Int("reflect.applied", stats.Applied),
		attribute.Int("reflect.dead_lettered", stats.DeadLettered),
	)
	if err != nil {
		return stats, fmt.Errorf("%s run: %w", name, err)
	}

	p.log.Info("pass complete",
		zap.String("pass", name),
		zap.Int("considered", stats.Considered),
		zap.Int("applied", stats.Applied),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("dead_lettered", stats.DeadLettered),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", stats.Duration))
	return stats, nil
}

// RunAll drains distill, then runs cluster and elevate once.
func (p *Pipeline) RunAll(ctx context.Context) ([]RunStats, error) {
	var out []RunStats
	for _, name := range p.order {
		for {
			st, err := p.Run(ctx, name)
			if err != nil {
				return out, err
			}
			out = append(out, st)
			if name != PassDistill || st.Considered == 0 || st.Applied+st.DeadLettered == 0 {
				break
			}
		}
	}
	return out, nil
}

type result int

const (
	resultApplied result = iota
	resultUnchanged
	resultParked
	resultDeadLettered
	resultFailed
)

// process runs pass on one entity under its lock. Only store failures are
// returned; pass failures end in the dead-letter table. Run isolates the
// returned failures per entity.
func (p *Pipeline) process(ctx context.Context, pass Pass, id string) (result, error) {
	key := store.PassKey{EntityID: id, Pass: pass.Name(), Version: pass.Version()}

	unlock := p.locks.Lock(id)
	defer unlock()

	parked, err := p.db.IsDeadLettered(ctx, key)
	if err != nil {
		return 0, err
	}
	if parked {
		return resultParked, nil
	}

	hash, err := pass.InputHash(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPoison) || store.IsNotFound(err) {
			return p.deadLetter(ctx, key, 1, err)
		}
		return 0, err
	}
	if prev, ok, err := p.db.PassHash(ctx, key); err != nil {
		return 0, err
	} else if ok && prev == hash {
		if v := variantOf(pass); v != "" {
			if err := p.db.RecordPass(ctx, key, hash, v); err != nil {
				return 0, err
			}
		}
		return resultUnchanged, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialBackoff
	bo.MaxInterval = p.opts.MaxBackoff

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := pass.Apply(ctx, id)
		if errors.Is(err, ErrPoison) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.log.Warn("pass attempt failed",
				zap.String("key", key.String()),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return p.deadLetter(ctx, key, attempts, err)
	}

	if err := p.db.RecordPass(ctx, key, hash, variantOf(pass)); err != nil {
		return 0, err
	}
	return resultApplied, nil
}

// isolate parks an entity whose processing failed outside Apply, such as a
// store error while hashing or recording, so its siblings keep running.
func (p *Pipeline) isolate(ctx context.Context, pass Pass, id string, cause error) result {
	key := store.PassKey{EntityID: id, Pass: pass.Name(), Version: pass.Version()}
	res, err := p.deadLetter(ctx, key, 1, cause)
	if err != nil {
		p.log.Error("could not park failed entity",
			zap.String("key", key.String()), zap.NamedError("cause", cause), zap.Error(err))
		return resultFailed
	}
	return res
}

func (p *Pipeline) deadLetter(ctx context.Context, key store.PassKey, attempts int, cause error) (result, error) {
	p.log.Error("pass dead-lettered",
		zap.String("key", key.String()),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	if err := p.db.RecordDeadLetter(ctx, key, attempts, cause.Error()); err != nil {
		return 0, err
	}
	return resultDeadLettered, nil
}
