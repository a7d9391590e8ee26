// Package consolidate runs the background memory workers: the chunker
// distills each exchange into gists, facts and traits; the episodic worker
// compresses consolidation windows into narrative episodes; the semantic
// worker lifts episodes into the concept graph; the decay engine ages
// everything on a fixed cadence.
package consolidate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// EpisodicTriggerExchanges is how many exchanges accumulate on a thread
// before an episodic consolidation is queued. A topic split queues one
// immediately regardless of the count.
const EpisodicTriggerExchanges = 6

// styleBlend is the weight one exchange's observed communication style
// carries against the user's running scores.
const styleBlend = 0.2

// styleDimensions are the 0..1 communication style scores tracked per user.
var styleDimensions = []string{"formality", "verbosity", "directness", "warmth", "humor"}

// traitCategories offered to the extractor. Every entry must carry a tuned
// half-life in the store or its traits decay on the general schedule.
var traitCategories = []string{"identity", "preference", "habit", "interest", "mood", "general"}

// EpisodicJob is the payload on the episodic queue.
type EpisodicJob struct {
	UserID      string `json:"user_id"`
	ThreadID    string `json:"thread_id"`
	Topic       string `json:"topic"`
	RootCycleID string `json:"root_cycle_id"`
}

// Chunker distills one exchange into the ephemeral layers and user traits.
type Chunker struct {
	db     *store.DB
	eph    *ephemeral.Store
	llm    *llm.Client
	queues *queue.Manager
}

// NewChunker wires a chunker worker.
func NewChunker(db *store.DB, eph *ephemeral.Store, client *llm.Client, queues *queue.Manager) *Chunker {
	return &Chunker{db: db, eph: eph, llm: client, queues: queues}
}

// Run consumes the memory chunker queue.
func (c *Chunker) Run(ctx context.Context) error {
	for {
		item, err := c.queues.Dequeue(ctx, queue.QueueMemoryChunker)
		if err != nil {
			return err
		}
		var ex types.Exchange
		if err := json.Unmarshal(item.Payload, &ex); err != nil {
			logging.Warn("chunker", "bad payload %s: %v", item.ID, err)
			c.queues.Ack(queue.QueueMemoryChunker, item.ID)
			continue
		}
		if err := c.Process(ctx, &ex); err != nil {
			if types.Recoverable(err) && item.Attempts() < 3 {
				c.queues.Nack(queue.QueueMemoryChunker, item.ID)
				continue
			}
			logging.Warn("chunker", "exchange %s: %v", ex.ExchangeID, err)
		}
		c.queues.Ack(queue.QueueMemoryChunker, item.ID)
	}
}

type extraction struct {
	Gists []struct {
		Content    string  `json:"content"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"gists"`
	Facts []struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
	Traits []struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Explicit   bool    `json:"explicit"`
	} `json:"traits"`
	Style map[string]float64 `json:"communication_style"`
}

// Process extracts memory from one exchange and decides whether the thread
// is due for episodic consolidation.
func (c *Chunker) Process(ctx context.Context, ex *types.Exchange) error {
	got, err := c.extract(ctx, ex)
	if err != nil {
		return err
	}

	for _, g := range got.Gists {
		if strings.TrimSpace(g.Content) == "" {
			continue
		}
		c.eph.StoreGist(types.Gist{
			Content:    g.Content,
			Type:       orDefault(g.Type, "observation"),
			Topic:      ex.Topic,
			Confidence: clamp01(g.Confidence),
		})
	}
	for _, f := range got.Facts {
		if f.Key == "" || f.Value == "" {
			continue
		}
		c.eph.StoreFact(types.Fact{Key: f.Key, Value: f.Value, Confidence: clamp01(f.Confidence)})
	}
	for _, t := range got.Traits {
		if t.Key == "" || t.Value == "" {
			continue
		}
		source := types.TraitInferred
		if t.Explicit {
			source = types.TraitExplicit
		}
		trait := types.UserTrait{
			UserID:     ex.UserID,
			Key:        t.Key,
			Value:      t.Value,
			Category:   orDefault(t.Category, "general"),
			Confidence: clamp01(t.Confidence),
			Source:     source,
		}
		if emb, err := c.llm.Embed(ctx, t.Key+": "+t.Value); err == nil {
			trait.Embedding = emb
		}
		if err := c.db.UpsertTrait(trait); err != nil {
			logging.Warn("chunker", "trait %s: %v", t.Key, err)
		}
	}

	if len(got.Style) > 0 {
		c.updateStyle(ex.UserID, got.Style)
	}

	return c.maybeQueueEpisodic(ex)
}

// updateStyle folds the exchange's observed communication style into the
// user's running style record.
func (c *Chunker) updateStyle(userID string, observed map[string]float64) {
	key := store.StyleRecordKey(userID)
	prev := make(map[string]float64)
	if err := c.db.GetConfigRecord(key, &prev); err != nil && err != sql.ErrNoRows {
		logging.Warn("chunker", "style record: %v", err)
		return
	}
	merged := mergeStyle(prev, observed)
	if len(merged) == 0 {
		return
	}
	if err := c.db.SetConfigRecord(key, merged, "memory_chunker"); err != nil {
		logging.Warn("chunker", "style record: %v", err)
	}
}

// mergeStyle blends one exchange's observed scores into the running ones
// with an exponential moving average. Dimensions outside styleDimensions
// are dropped; a dimension seen for the first time adopts the observation.
func mergeStyle(prev, observed map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for _, dim := range styleDimensions {
		cur, hasPrev := prev[dim]
		obs, hasObs := observed[dim]
		if hasObs {
			if obs < 0 {
				obs = 0
			}
			if obs > 1 {
				obs = 1
			}
		}
		switch {
		case hasPrev && hasObs:
			out[dim] = cur + styleBlend*(obs-cur)
		case hasObs:
			out[dim] = obs
		case hasPrev:
			out[dim] = cur
		}
	}
	return out
}

func (c *Chunker) extract(ctx context.Context, ex *types.Exchange) (*extraction, error) {
	transcript := "User: " + ex.UserText
	if ex.Response != "" {
		transcript += "\nAssistant: " + ex.Response
	}
	if ex.Failed {
		transcript += "\n(the assistant failed to respond: " + ex.Error + ")"
	}

	prompt := fmt.Sprintf(`Extract memory from this exchange. Reply with JSON only:
{"gists":[{"content":"one-sentence takeaway","type":"observation|decision|commitment|question","confidence":0.0}],
 "facts":[{"key":"snake_case_key","value":"...","confidence":0.0}],
 "traits":[{"key":"snake_case_key","value":"...","category":"%s","confidence":0.0,"explicit":true}],
 "communication_style":{"formality":0.0,"verbosity":0.0,"directness":0.0,"warmth":0.0,"humor":0.0}}
Only include traits when the exchange reveals something durable about the user. Mark explicit=true only when the user stated it outright.
Score communication_style 0..1 from the user's own messages, not the assistant's.

%s`, strings.Join(traitCategories, "|"), logging.Truncate(transcript, 2000))

	var got extraction
	err := llm.Retry(ctx, 2, func() error {
		return c.llm.GenerateJSON(ctx, prompt, &got)
	})
	if err != nil {
		return nil, types.Transient(fmt.Errorf("chunker extraction: %w", err))
	}
	return &got, nil
}

// maybeQueueEpisodic queues a consolidation when the thread has accumulated
// enough exchanges, or immediately on a topic split so the closed topic's
// window does not bleed into the new one.
func (c *Chunker) maybeQueueEpisodic(ex *types.Exchange) error {
	due := ex.TopicSplit
	if !due {
		n, err := c.db.CyclesSinceLastConsolidation(ex.ThreadID)
		if err != nil {
			return err
		}
		due = n >= EpisodicTriggerExchanges
	}
	if !due {
		return nil
	}
	job := EpisodicJob{UserID: ex.UserID, ThreadID: ex.ThreadID, Topic: ex.Topic, RootCycleID: ex.CycleID}
	payload, _ := json.Marshal(job)
	c.queues.Enqueue(queue.QueueEpisodic, &queue.Item{ID: "episodic:" + ex.CycleID, Payload: payload})
	logging.Debug("chunker", "queued episodic consolidation for thread %s", ex.ThreadID)
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// clamp01 bounds a model-reported confidence; an omitted one reads 0.5.
func clamp01(v float64) float64 {
	if v == 0 {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
