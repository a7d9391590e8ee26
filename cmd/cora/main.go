// cora is the cognition daemon: it accepts user messages over HTTP,
// digests them through topic classification, memory assembly and mode
// routing, streams responses over SSE, and runs the background memory,
// scheduling and regulation workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cora-labs/cora/internal/act"
	"github.com/cora-labs/cora/internal/assemble"
	"github.com/cora-labs/cora/internal/bus"
	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/consolidate"
	"github.com/cora-labs/cora/internal/digest"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/regulate"
	"github.com/cora-labs/cora/internal/router"
	"github.com/cora-labs/cora/internal/scheduler"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/stream"
	"github.com/cora-labs/cora/internal/supervise"
	"github.com/cora-labs/cora/internal/topic"
)

func main() {
	if err := run(); err != nil {
		logging.Warn("main", "%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	db, err := store.Open(cfg.StatePath, cfg.EmbedDim)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.SeedIdentity(); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}

	client := llm.NewClient(cfg.OllamaURL, cfg.EmbedModel, cfg.GenModel)
	client.SetTiebreakerModel(cfg.TiebreakerModel)

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	b := bus.New()
	defer b.Close()
	queues := queue.NewManager(0)
	eph := ephemeral.New()

	// weights: defaults, overlaid with manifest overrides, live copy owned
	// by the routing regulator through the store record
	defaults := router.DefaultWeights()
	for k, v := range manifest.RouterWeights {
		defaults[k] = v
	}
	weights := config.NewWeightCache(db, defaults)
	boundary := config.NewBoundaryCache(db)

	detector := topic.NewDetector(eph, boundary)
	classifier := topic.NewClassifier(db, detector, client)
	assembler := assemble.New(eph, db)

	registry := act.NewRegistry()
	err = act.RegisterSkills(registry, act.SkillDeps{
		Eph:                eph,
		DB:                 db,
		Embed:              client.Embed,
		ValidateRecurrence: scheduler.ValidateRecurrence,
		RecordCorrection:   classifier.RecordCorrection,
	})
	if err != nil {
		return fmt.Errorf("register skills: %w", err)
	}
	if err := act.RegisterManifestTools(registry, manifest); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	registry.Seal()

	var critic *act.Critic
	if cfg.CriticEnabled {
		critic = &act.Critic{LLM: client}
	}
	loop := act.NewLoop(registry, &act.LLMPlanner{LLM: client}, act.NewFatigue(), db, critic)

	rt := router.New(db, weights, registry, client, b, queues)
	digester := digest.New(db, eph, queues, b, client, classifier, assembler, rt, loop)

	chunker := consolidate.NewChunker(db, eph, client, queues)
	episodic := consolidate.NewEpisodic(db, eph, client, queues)
	semantic := consolidate.NewSemantic(db, client, queues)
	decay := consolidate.NewDecay(db, eph, client)

	routingReg := regulate.NewRoutingRegulator(db, weights)
	topicReg := regulate.NewTopicRegulator(db, boundary)
	reflector := regulate.NewReflector(db, eph, client, queues)
	sched := scheduler.New(db, queues, b, loop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := supervise.NewPool()
	for i := 0; i < cfg.DigestWorkers; i++ {
		pool.Go(ctx, fmt.Sprintf("digest-%d", i), digester.Run)
	}
	pool.Go(ctx, "chunker", chunker.Run)
	pool.Go(ctx, "episodic", episodic.Run)
	pool.Go(ctx, "semantic", semantic.Run)
	pool.Go(ctx, "decay", decay.Run)
	pool.Go(ctx, "routing-regulator", routingReg.Run)
	pool.Go(ctx, "topic-regulator", topicReg.Run)
	pool.Go(ctx, "reflector", reflector.Run)
	pool.Go(ctx, "scheduler", sched.Run)

	server := stream.NewServer(b, digester, db, queues, eph, pool.Health)
	pool.Go(ctx, "http", func(ctx context.Context) error {
		return server.Run(ctx, cfg.HTTPAddr)
	})

	logging.Info("main", "cora up: %d digest workers, %d tools registered", cfg.DigestWorkers, len(registry.Names()))
	<-ctx.Done()
	logging.Info("main", "shutting down")
	pool.Wait()
	return nil
}
