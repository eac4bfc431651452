// Package engine is the query orchestrator. It validates and ingests shards,
// answers layered recalls, applies feedback and resolves artifact stacks,
// consulting the policy gate on every read and write.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/llm"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/personal"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/reflect"
	"github.com/lazypower/mnemos/internal/retrieval"
	"github.com/lazypower/mnemos/internal/scoring"
	"github.com/lazypower/mnemos/internal/store"
)

var tracer = otel.Tracer("mnemos/engine")

// Options overrides collaborators that New would otherwise build from config.
type Options struct {
	LLM        llm.Client
	Generator  *embed.Generator
	Gate       *policy.Gate
	Classifier Classifier
}

// Engine wires the store, retrieval, scoring, personalization, policy,
// federation and reflection components together.
type Engine struct {
	db         *store.DB
	gen        *embed.Generator
	retr       *retrieval.Engine
	scorer     *scoring.Scorer
	profiles   *personal.Service
	gate       *policy.Gate
	fed        *federation.Federator
	classifier Classifier
	pipeline   *reflect.Pipeline
	cfg        config.Config
	log        *zap.Logger
	now        func() time.Time
}

// New creates an Engine over db.
func New(db *store.DB, cfg config.Config, opts Options, log *zap.Logger) (*Engine, error) {
	log = logging.OrNop(log)

	gen := opts.Generator
	if gen == nil {
		var err error
		if gen, err = embed.FromConfig(cfg.Embedding, log); err != nil {
			return nil, fmt.Errorf("embedding generator: %w", err)
		}
	}
	gate := opts.Gate
	if gate == nil {
		var err error
		if gate, err = policy.New(cfg.Policy, log); err != nil {
			return nil, fmt.Errorf("policy gate: %w", err)
		}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}

	return &Engine{
		db:         db,
		gen:        gen,
		retr:       retrieval.New(db, gen, cfg.Retrieval, log),
		scorer:     scoring.New(cfg.Scoring),
		profiles:   personal.NewService(db, cfg.Scoring.Lambda, log),
		gate:       gate,
		fed:        federation.New(cfg.Federation, log),
		classifier: classifier,
		pipeline:   reflect.New(db, gen, opts.LLM, reflect.OptionsFromConfig(cfg.Reflection), log),
		cfg:        cfg,
		log:        log.Named("engine"),
		now:        time.Now,
	}, nil
}

func (e *Engine) DB() *store.DB                    { return e.db }
func (e *Engine) Gate() *policy.Gate               { return e.gate }
func (e *Engine) Pipeline() *reflect.Pipeline      { return e.pipeline }
func (e *Engine) Profiles() *personal.Service      { return e.profiles }
func (e *Engine) Federator() *federation.Federator { return e.fed }
func (e *Engine) Generator() *embed.Generator      { return e.gen }

// Actor builds a policy actor, falling back to the configured default role.
func (e *Engine) Actor(id, role string) policy.Actor {
	if role == "" {
		role = e.cfg.Policy.DefaultRole
	}
	return policy.Actor{ID: id, Role: role}
}

// authorize evaluates action and converts a deny into a PolicyDeniedError.
func (e *Engine) authorize(ctx context.Context, action string, payload map[string]any, actor policy.Actor) (policy.Decision, error) {
	d, err := e.gate.Evaluate(ctx, action, payload, actor)
	if err != nil {
		return d, err
	}
	if !d.Allow {
		e.log.Info("policy denied", zap.String("action", action), zap.String("actor", actor.ID),
			zap.String("role", actor.Role), zap.String("rule", d.Rule), zap.String("reason", d.Reason))
		return d, &PolicyDeniedError{Action: action, Rule: d.Rule, Reason: d.Reason}
	}
	return d, nil
}

// EmbedMissing embeds stored shards that have no vector yet. Shards without
// text are skipped; a batch that embeds nothing ends the sweep.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if !e.gen.Available() {
		return 0, nil
	}

	embedded := 0
	for {
		ids, err := e.db.MissingVectors(ctx, 100)
		if err != nil {
			return embedded, err
		}
		if len(ids) == 0 {
			return embedded, nil
		}
		shards, err := e.db.GetShards(ctx, ids)
		if err != nil {
			return embedded, err
		}

		var todo []*store.Shard
		var texts []string
		for _, s := range shards {
			if s.Text == "" {
				continue
			}
			todo = append(todo, s)
			texts = append(texts, s.Text)
		}
		if len(todo) == 0 {
			return embedded, nil
		}

		vecs, err := e.gen.EmbedMany(ctx, texts)
		if err != nil {
			return embedded, fmt.Errorf("embed missing: %w", err)
		}
		before := embedded
		for i, s := range todo {
			if err := e.db.SaveVector(ctx, s.ID, store.EntityShard, vecs[i], e.gen.Model()); err != nil {
				e.log.Warn("embed missing: save vector", zap.String("shard", s.ID), zap.Error(err))
				continue
			}
			embedded++
		}
		if embedded == before {
			return embedded, nil
		}
	}
}
