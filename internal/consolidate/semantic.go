package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// Semantic lifts consolidated episodes into the concept graph.
type Semantic struct {
	db     *store.DB
	llm    *llm.Client
	queues *queue.Manager
}

// NewSemantic wires a semantic worker.
func NewSemantic(db *store.DB, client *llm.Client, queues *queue.Manager) *Semantic {
	return &Semantic{db: db, llm: client, queues: queues}
}

// Run consumes the semantic queue. Payloads are bare episode IDs.
func (w *Semantic) Run(ctx context.Context) error {
	for {
		item, err := w.queues.Dequeue(ctx, queue.QueueSemantic)
		if err != nil {
			return err
		}
		episodeID := string(item.Payload)
		if err := w.Process(ctx, episodeID); err != nil {
			if types.Recoverable(err) && item.Attempts() < 3 {
				w.queues.Nack(queue.QueueSemantic, item.ID)
				continue
			}
			logging.Warn("semantic", "episode %s: %v", episodeID, err)
		}
		w.queues.Ack(queue.QueueSemantic, item.ID)
	}
}

type conceptDraft struct {
	Concepts []struct {
		Name             string  `json:"name"`
		Type             string  `json:"type"`
		Definition       string  `json:"definition"`
		AbstractionLevel int     `json:"abstraction_level"`
		Confidence       float64 `json:"confidence"`
	} `json:"concepts"`
	Relationships []struct {
		Source        string  `json:"source"`
		Target        string  `json:"target"`
		Type          string  `json:"type"`
		Strength      float64 `json:"strength"`
		Bidirectional bool    `json:"bidirectional"`
	} `json:"relationships"`
}

// Process extracts concepts and edges from one episode. Concept upserts
// reinforce existing nodes, so reprocessing an episode strengthens rather
// than duplicates.
func (w *Semantic) Process(ctx context.Context, episodeID string) error {
	ep, err := w.db.GetEpisode(episodeID)
	if err != nil {
		return err
	}

	draft, err := w.extract(ctx, ep)
	if err != nil {
		return err
	}

	ids := make(map[string]string, len(draft.Concepts))
	for _, c := range draft.Concepts {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		emb, err := w.llm.Embed(ctx, name+": "+c.Definition)
		if err != nil {
			return types.Transient(fmt.Errorf("concept embedding: %w", err))
		}
		stored, err := w.db.UpsertConcept(&types.Concept{
			Name:             name,
			Type:             orDefault(c.Type, "entity"),
			Definition:       c.Definition,
			Embedding:        emb,
			AbstractionLevel: c.AbstractionLevel,
			Confidence:       clamp01(c.Confidence),
		})
		if err != nil {
			logging.Warn("semantic", "concept %s: %v", name, err)
			continue
		}
		ids[name] = stored.ID
	}

	for _, r := range draft.Relationships {
		src, ok := ids[strings.ToLower(strings.TrimSpace(r.Source))]
		if !ok {
			continue
		}
		dst, ok := ids[strings.ToLower(strings.TrimSpace(r.Target))]
		if !ok || src == dst {
			continue
		}
		err := w.db.UpsertRelationship(types.ConceptRelationship{
			SourceID:      src,
			TargetID:      dst,
			Type:          relationType(r.Type),
			Strength:      clamp01(r.Strength),
			Bidirectional: r.Bidirectional,
		})
		if err != nil {
			logging.Warn("semantic", "edge %s->%s: %v", r.Source, r.Target, err)
		}
	}

	logging.Debug("semantic", "episode %s: %d concepts, %d edges", episodeID[:8], len(ids), len(draft.Relationships))
	return nil
}

func (w *Semantic) extract(ctx context.Context, ep *types.Episode) (*conceptDraft, error) {
	prompt := fmt.Sprintf(`Extract durable knowledge from this episode. Reply with JSON only:
{"concepts":[{"name":"lowercase name","type":"entity|skill|idea|place|person|project","definition":"one sentence","abstraction_level":1,"confidence":0.0}],
 "relationships":[{"source":"concept name","target":"concept name","type":"is-a|part-of|related-to|prerequisite-for|enables|used-for|contradicts|alternative-to","strength":0.0,"bidirectional":false}]}
Only concepts worth remembering across conversations. At most 6.

Episode (%s): %s
Outcome: %s`, ep.Topic, ep.Gist, ep.Outcome)

	var draft conceptDraft
	err := llm.Retry(ctx, 2, func() error {
		return w.llm.GenerateJSON(ctx, prompt, &draft)
	})
	if err != nil {
		return nil, types.Transient(fmt.Errorf("semantic extraction: %w", err))
	}
	return &draft, nil
}

func relationType(s string) types.RelationType {
	switch t := types.RelationType(strings.ToLower(strings.TrimSpace(s))); t {
	case types.RelIsA, types.RelPartOf, types.RelRelatedTo, types.RelPrerequisiteFor,
		types.RelEnables, types.RelUsedFor, types.RelContradicts, types.RelAlternativeTo:
		return t
	default:
		return types.RelRelatedTo
	}
}
