package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/hippocampus/internal/bus"
	"github.com/nidhogg/hippocampus/internal/clock"
	"github.com/nidhogg/hippocampus/internal/config"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/embedding"
	"github.com/nidhogg/hippocampus/internal/episode"
	"github.com/nidhogg/hippocampus/internal/extract"
	"github.com/nidhogg/hippocampus/internal/graph"
	"github.com/nidhogg/hippocampus/internal/pipeline"
	"github.com/nidhogg/hippocampus/internal/semantic"
	"github.com/nidhogg/hippocampus/internal/store"
	"github.com/nidhogg/hippocampus/internal/vectorstore"
	"github.com/nidhogg/hippocampus/internal/workingmemory"
	"go.uber.org/zap"
)

// app is the wired service. Optional backends are nil when not configured.
type app struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	clock    *clock.Clock
	graph    *graph.Store
	closers  []func(context.Context)
	logger   *zap.Logger
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// build connects the configured backends and assembles the pipeline. Postgres
// is required when configured; the other backends degrade to in-process
// replacements with a warning.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var repo store.Repository
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.New(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) { pg.Close() })
		repo = pg
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store")
		repo = store.NewMemory()
	}

	var locker pipeline.Locker
	var events pipeline.Publisher
	if url := cfg.Database.Redis.URL; url != "" {
		b, err := bus.New(ctx, url, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process stage locks", zap.Error(err))
		} else {
			a.closers = append(a.closers, func(context.Context) { b.Close() })
			locker, events = b, b
		}
	}

	if uri := cfg.Database.Neo4j.URI; uri != "" {
		g, err := graph.New(graph.Config{URI: uri, User: cfg.Database.Neo4j.User, Password: cfg.Database.Neo4j.Password}, logger)
		if err == nil {
			err = g.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("neo4j unavailable, activation runs on published state", zap.Error(err))
		} else {
			a.closers = append(a.closers, func(ctx context.Context) { g.Close(ctx) })
			a.graph = g
		}
	}

	embedder := embedding.New(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Endpoint:    cfg.Embedding.Endpoint,
		Model:       cfg.Embedding.Model,
		APIKey:      cfg.Embedding.APIKey,
		Dimension:   cfg.Embedding.Dimension,
		TimeoutMs:   cfg.Embedding.TimeoutMs,
		MaxAttempts: cfg.Embedding.MaxAttempts,
	}, logger)

	var index semantic.Index
	if host := cfg.Database.Qdrant.Host; host != "" {
		qc, err := vectorstore.NewClient(vectorstore.Config{
			Host:       host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
		})
		if err == nil {
			var qi *semantic.QdrantIndex
			qi, err = semantic.NewQdrantIndex(ctx, qc, cfg.Database.Qdrant.Collection, embedder.Dimension(), logger)
			if err == nil {
				a.closers = append(a.closers, func(context.Context) { qc.Close() })
				index = qi
			} else {
				qc.Close()
			}
		}
		if err != nil {
			logger.Warn("qdrant unavailable, using in-memory vector index", zap.Error(err))
		}
	}

	extractor := extract.New(extract.Config{
		Provider:    cfg.Extraction.Provider,
		Endpoint:    cfg.Extraction.Endpoint,
		APIKey:      cfg.Extraction.APIKey,
		TimeoutMs:   cfg.Extraction.TimeoutMs,
		MaxAttempts: cfg.Extraction.MaxAttempts,
	}, logger)

	pc := cfg.Pipeline
	semanticBuilder := semantic.NewBuilder(semantic.Config{
		PromotionThreshold:  pc.Semantic.PromotionThreshold,
		SimilarityThreshold: pc.Semantic.SimilarityThreshold,
		HalfLifeCycles:      pc.Semantic.HalfLifeCycles,
		CycleInterval:       seconds(pc.Intervals.Semantic),
		Floor:               pc.Semantic.Floor,
	}, embedder, index, logger)

	var projector pipeline.Projector
	if a.graph != nil {
		projector = a.graph
	}
	a.pipeline = pipeline.New(pipeline.Deps{
		Store: repo,
		Selector: workingmemory.NewSelector(workingmemory.Config{
			Window:   seconds(pc.WorkingMemory.WindowSeconds),
			Capacity: pc.WorkingMemory.Capacity,
			Weights: workingmemory.Weights{
				Recency:    pc.WorkingMemory.RecencyWeight,
				Importance: pc.WorkingMemory.ImportanceWeight,
				Emotion:    pc.WorkingMemory.EmotionWeight,
			},
		}, logger),
		Episodes: episode.NewBuilder(episode.Config{
			Window:       seconds(pc.Episodes.WindowSeconds),
			ProximityGap: seconds(pc.Episodes.ProximityGapSeconds),
		}, extractor, logger),
		Consolidation: consolidation.NewEngine(plasticity(pc.Plasticity), logger),
		Semantic:      semanticBuilder,
		Locker:        locker,
		Events:        events,
		Graph:         projector,
		LockTTL:       seconds(pc.LockTTLSeconds),
	}, logger)

	if err := a.warmIndex(ctx, repo, semanticBuilder); err != nil {
		logger.Warn("semantic index not warmed", zap.Error(err))
	}

	start := time.Now().UTC()
	if pc.StartTime != "" {
		t, err := time.Parse(time.RFC3339, pc.StartTime)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("pipeline start_time: %w", err)
		}
		start = t
	}
	a.clock = clock.New(start, seconds(pc.TickSeconds), pc.Speed, logger)
	return a, nil
}

// warmIndex loads committed active nodes into the vector index so nearest
// queries work before the first semantic run.
func (a *app) warmIndex(ctx context.Context, repo store.Repository, b *semantic.Builder) error {
	nodes, err := repo.ActiveNodes(ctx)
	if err != nil || len(nodes) == 0 {
		return err
	}
	return b.Apply(ctx, &semantic.Result{Nodes: nodes})
}

func (a *app) scheduler() *pipeline.Scheduler {
	iv := a.cfg.Pipeline.Intervals
	return pipeline.NewScheduler(a.pipeline, map[pipeline.Stage]time.Duration{
		pipeline.StageWorkingMemory: seconds(iv.WorkingMemory),
		pipeline.StageEpisodes:      seconds(iv.Episodes),
		pipeline.StageConsolidation: seconds(iv.Consolidation),
		pipeline.StageSemantic:      seconds(iv.Semantic),
	}, a.cfg.Pipeline.PoolSize, a.logger)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func plasticity(p config.PlasticityConfig) consolidation.Config {
	return consolidation.Config{
		Window:              p.Window,
		TimingUnit:          seconds(p.TimingUnitSeconds),
		LTP:                 p.LTP,
		LTD:                 p.LTD,
		ThetaTau:            seconds(p.ThetaTauSeconds),
		TagMinCoActivations: p.TagMinCoActivations,
		TagThreshold:        p.TagThreshold,
		CaptureDelay:        seconds(p.CaptureDelaySeconds),
		MaxTagLifetime:      seconds(p.MaxTagLifetime),
		SigmaBound:          p.SigmaBound,
		PruneFloor:          p.PruneFloor,
	}
}
