package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// SalienceWeights weight the four salience factors. The stored
// salience_weights config record overrides the defaults.
type SalienceWeights struct {
	Emotional  float64 `json:"emotional"`
	Commitment float64 `json:"commitment"`
	Novelty    float64 `json:"novelty"`
	Unresolved float64 `json:"unresolved"`
}

// DefaultSalienceWeights returns the shipped weighting.
func DefaultSalienceWeights() SalienceWeights {
	return SalienceWeights{Emotional: 0.3, Commitment: 0.3, Novelty: 0.3, Unresolved: 0.1}
}

// scoreSalience folds the four factors under the active weighting.
func scoreSalience(w SalienceWeights, f types.SalienceFactors) float64 {
	return w.Emotional*clamp01(f.Emotional) +
		w.Commitment*clamp01(f.Commitment) +
		w.Novelty*clamp01(f.Novelty) +
		w.Unresolved*clamp01(f.Unresolved)
}

// Episodic compresses a thread's recent window into one narrative episode.
type Episodic struct {
	db     *store.DB
	eph    *ephemeral.Store
	llm    *llm.Client
	queues *queue.Manager
}

// NewEpisodic wires an episodic worker.
func NewEpisodic(db *store.DB, eph *ephemeral.Store, client *llm.Client, queues *queue.Manager) *Episodic {
	return &Episodic{db: db, eph: eph, llm: client, queues: queues}
}

// Run consumes the episodic queue.
func (w *Episodic) Run(ctx context.Context) error {
	for {
		item, err := w.queues.Dequeue(ctx, queue.QueueEpisodic)
		if err != nil {
			return err
		}
		var job EpisodicJob
		if err := json.Unmarshal(item.Payload, &job); err != nil {
			logging.Warn("episodic", "bad payload %s: %v", item.ID, err)
			w.queues.Ack(queue.QueueEpisodic, item.ID)
			continue
		}
		if err := w.Process(ctx, &job); err != nil {
			if types.Recoverable(err) && item.Attempts() < 3 {
				w.queues.Nack(queue.QueueEpisodic, item.ID)
				continue
			}
			logging.Warn("episodic", "job %s: %v", item.ID, err)
		}
		w.queues.Ack(queue.QueueEpisodic, item.ID)
	}
}

type episodeDraft struct {
	Gist      string                `json:"gist"`
	Intent    types.EpisodeIntent   `json:"intent"`
	Context   types.EpisodeContext  `json:"context"`
	Action    string                `json:"action"`
	Emotion   types.EpisodeEmotion  `json:"emotion"`
	Outcome   string                `json:"outcome"`
	OpenLoops []string              `json:"open_loops"`
	Factors   types.SalienceFactors `json:"salience_factors"`
}

// Process synthesizes one episode from the thread's working window and
// queues semantic extraction. Insertion is idempotent per root cycle, so a
// redelivered job cannot double-write.
func (w *Episodic) Process(ctx context.Context, job *EpisodicJob) error {
	window := w.renderWindow(job.ThreadID)
	if window == "" {
		return nil
	}

	draft, err := w.synthesize(ctx, job.Topic, window)
	if err != nil {
		return err
	}
	if strings.TrimSpace(draft.Gist) == "" {
		return nil
	}

	weights := DefaultSalienceWeights()
	if err := w.db.GetConfigRecord(config.KeySalienceWeights, &weights); err == nil {
		logging.Debug("episodic", "using stored salience weights")
	}
	f := draft.Factors
	salience := scoreSalience(weights, f)

	emb, err := w.llm.Embed(ctx, draft.Gist)
	if err != nil {
		return types.Transient(fmt.Errorf("episode embedding: %w", err))
	}

	ep, err := w.db.InsertEpisode(&types.Episode{
		RootCycleID:     job.RootCycleID,
		Topic:           job.Topic,
		Gist:            draft.Gist,
		Intent:          draft.Intent,
		Context:         draft.Context,
		Action:          draft.Action,
		Emotion:         draft.Emotion,
		Outcome:         draft.Outcome,
		OpenLoops:       draft.OpenLoops,
		SalienceFactors: f,
		Salience:        salience,
		Embedding:       emb,
	})
	if err != nil {
		return err
	}
	logging.Info("episodic", "episode %s (%s) salience=%.2f", ep.ID[:8], job.Topic, salience)

	w.queues.Enqueue(queue.QueueSemantic, &queue.Item{ID: "semantic:" + ep.ID, Payload: []byte(ep.ID)})
	return nil
}

func (w *Episodic) synthesize(ctx context.Context, topicName, window string) (*episodeDraft, error) {
	prompt := fmt.Sprintf(`Compress this conversation window into one episode. Reply with JSON only:
{"gist":"2-3 sentence narrative of what happened",
 "intent":{"type":"...","direction":"..."},
 "context":{"situational":"...","conversational":"...","constraints":[]},
 "action":"what was done, if anything",
 "emotion":{"type":"...","valence":-1.0,"intensity":0.0,"arc":"..."},
 "outcome":"how it resolved, if it did",
 "open_loops":["unfinished threads"],
 "salience_factors":{"novelty":0.0,"emotional":0.0,"commitment":0.0,"unresolved":0.0}}

Topic: %s
%s`, topicName, logging.Truncate(window, 3000))

	var draft episodeDraft
	err := llm.Retry(ctx, 2, func() error {
		return w.llm.GenerateJSON(ctx, prompt, &draft)
	})
	if err != nil {
		return nil, types.Transient(fmt.Errorf("episode synthesis: %w", err))
	}
	return &draft, nil
}

// renderWindow flattens recent turns plus session gists; the gists carry
// exchanges that have already aged out of the working window.
func (w *Episodic) renderWindow(threadID string) string {
	var b strings.Builder
	for _, g := range w.eph.SearchGists("", 8) {
		fmt.Fprintf(&b, "note: %s\n", g.Content)
	}
	for _, t := range w.eph.Recent(threadID, 12) {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
