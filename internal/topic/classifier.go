package topic

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// Namer produces a short topic name from message content. *llm.Client
// satisfies it; a nil Namer falls back to generated names.
type Namer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Result is the outcome of classifying one message.
type Result struct {
	Topic      *types.Topic
	Created    bool    // a boundary fired (or no topic existed) and a new attractor was born
	Similarity float64 // cosine against the chosen topic before the update
	FalseSplit bool    // this assignment re-merged a recent split
}

// Classifier assigns messages to topic attractors.
type Classifier struct {
	db    *store.DB
	det   *Detector
	namer Namer
}

// NewClassifier creates a classifier. namer may be nil.
func NewClassifier(db *store.DB, det *Detector, namer Namer) *Classifier {
	return &Classifier{db: db, det: det, namer: namer}
}

// Classify routes one message embedding. When a boundary fires (or no topic
// exists yet) a fresh attractor is created whose rolling embedding is the
// message embedding itself; otherwise the message folds into the nearest
// topic's count-weighted rolling mean.
func (c *Classifier) Classify(ctx context.Context, threadID, content string, emb []float32, salience float64) (*Result, error) {
	nearest, sim, err := c.db.NearestTopic(emb)
	if err != nil {
		return nil, err
	}

	if nearest == nil {
		t, err := c.createTopic(ctx, content, emb, salience)
		if err != nil {
			return nil, err
		}
		c.det.NoteAssignment(threadID, t.Name, true)
		return &Result{Topic: t, Created: true, Similarity: 0}, nil
	}

	if c.det.Observe(threadID, sim) {
		t, err := c.createTopic(ctx, content, emb, salience)
		if err != nil {
			return nil, err
		}
		c.det.NoteAssignment(threadID, t.Name, true)
		c.logTopicEvent("topic_split", threadID, t.Name, map[string]any{
			"from": nearest.Name, "similarity": sim,
		})
		return &Result{Topic: t, Created: true, Similarity: sim}, nil
	}

	t, err := c.db.UpsertTopic(nearest.Name, emb, salience)
	if err != nil {
		return nil, err
	}
	falseSplit := c.det.NoteAssignment(threadID, t.Name, false)
	if falseSplit {
		c.logTopicEvent("topic_false_split", threadID, t.Name, nil)
	}
	return &Result{Topic: t, Similarity: sim, FalseSplit: falseSplit}, nil
}

// RecordCorrection logs a user-driven topic correction (a missed split).
// The topic stability regulator consumes these on its slow loop.
func (c *Classifier) RecordCorrection(threadID, topicName string) {
	c.logTopicEvent("topic_correction", threadID, topicName, nil)
}

func (c *Classifier) logTopicEvent(eventType, threadID, topicName string, payload map[string]any) {
	err := c.db.LogInteraction(types.InteractionEvent{
		EventType: eventType,
		Topic:     topicName,
		ThreadID:  threadID,
		Payload:   payload,
	})
	if err != nil {
		logging.Warn("topic", "log %s: %v", eventType, err)
	}
}

func (c *Classifier) createTopic(ctx context.Context, content string, emb []float32, salience float64) (*types.Topic, error) {
	name := c.nameTopic(ctx, content)
	t, err := c.db.UpsertTopic(name, emb, salience)
	if err != nil {
		return nil, err
	}
	logging.Info("topic", "new topic %q", name)
	return t, nil
}

// nameTopic asks the LLM for a 2-4 word label, falling back to a generated
// name so topics are never nameless.
func (c *Classifier) nameTopic(ctx context.Context, content string) string {
	if c.namer != nil {
		raw, err := c.namer.Generate(ctx, "Name the topic of this message in 2-4 lowercase words, nothing else:\n\n"+content)
		if err == nil {
			if name := sanitizeName(raw); name != "" {
				return name
			}
		} else {
			logging.Debug("topic", "topic naming failed: %v", err)
		}
	}
	return "topic-" + uuid.NewString()[:8]
}

func sanitizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, `"'.`)
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || len(name) > 64 {
		return ""
	}
	return name
}
