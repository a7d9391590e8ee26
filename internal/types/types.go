package types

import "time"

// Mode is the router's decision for how to handle an inbound message.
type Mode string

const (
	ModeRespond     Mode = "RESPOND"
	ModeAct         Mode = "ACT"
	ModeClarify     Mode = "CLARIFY"
	ModeAcknowledge Mode = "ACKNOWLEDGE"
)

// Modes lists all router modes in scoring order.
var Modes = []Mode{ModeRespond, ModeAct, ModeClarify, ModeAcknowledge}

// CycleType identifies what triggered a message cycle.
type CycleType string

const (
	CycleUser         CycleType = "user"
	CycleToolFollowup CycleType = "tool_followup"
	CycleProactive    CycleType = "proactive"
	CycleScheduled    CycleType = "scheduled"
)

// CycleStatus is the lifecycle state of a message cycle.
type CycleStatus string

const (
	CyclePending   CycleStatus = "pending"
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// MessageCycle is one unit of processing through the digest pipeline.
// RootCycleID equals CycleID iff ParentCycleID is empty; Depth equals
// parent.Depth+1.
type MessageCycle struct {
	CycleID       string         `json:"cycle_id"`
	ParentCycleID string         `json:"parent_cycle_id,omitempty"`
	RootCycleID   string         `json:"root_cycle_id"`
	UserID        string         `json:"user_id"`
	ThreadID      string         `json:"thread_id"`
	Topic         string         `json:"topic,omitempty"`
	CycleType     CycleType      `json:"cycle_type"`
	Source        string         `json:"source,omitempty"`
	Content       string         `json:"content"`
	Intent        map[string]any `json:"intent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        CycleStatus    `json:"status"`
	Depth         int            `json:"depth"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Thread is a conversation container for a (user, channel) pair.
type Thread struct {
	ThreadID      string    `json:"thread_id"`
	UserID        string    `json:"user_id"`
	ChannelID     string    `json:"channel_id"`
	State         string    `json:"state"` // active, expired
	CurrentTopic  string    `json:"current_topic,omitempty"`
	TopicHistory  []string  `json:"topic_history,omitempty"`
	ExchangeCount int       `json:"exchange_count"`
	LastActivity  time.Time `json:"last_activity"`
	Summary       string    `json:"summary,omitempty"`
}

// Topic is a semantic attractor. RollingEmbedding is the count-weighted
// running average of member embeddings, re-normalized to unit length.
type Topic struct {
	TopicID          string    `json:"topic_id"`
	Name             string    `json:"name"`
	MessageCount     int       `json:"message_count"`
	RollingEmbedding []float32 `json:"rolling_embedding,omitempty"`
	AvgSalience      float64   `json:"avg_salience"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Turn is one exchange stored in working memory.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Gist is a short, confidence-tagged summary of a single exchange
// (ephemeral, 30 minute TTL).
type Gist struct {
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Topic      string    `json:"topic,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fact is an ephemeral key-value memory (24h TTL). Keys are snake_case.
type Fact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// EpisodeIntent captures what the user was trying to do in a session.
type EpisodeIntent struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// EpisodeContext is the situational frame of an episode.
type EpisodeContext struct {
	Situational    string   `json:"situational,omitempty"`
	Conversational string   `json:"conversational,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
}

// EpisodeEmotion records the affective arc of an episode.
type EpisodeEmotion struct {
	Type      string  `json:"type,omitempty"`
	Valence   float64 `json:"valence"`
	Intensity float64 `json:"intensity"`
	Arc       string  `json:"arc,omitempty"`
}

// SalienceFactors are the weighted inputs to an episode's salience.
type SalienceFactors struct {
	Novelty    float64 `json:"novelty"`
	Emotional  float64 `json:"emotional"`
	Commitment float64 `json:"commitment"`
	Unresolved float64 `json:"unresolved"`
}

// Episode is a narrative consolidation of a session.
// Salience = w_e*emotional + w_c*commitment + w_n*novelty + w_u*unresolved.
// Freshness = salience * exp(-lambda_e * hours since last access).
type Episode struct {
	ID              string          `json:"id"`
	RootCycleID     string          `json:"root_cycle_id"`
	Topic           string          `json:"topic"`
	Gist            string          `json:"gist"`
	Intent          EpisodeIntent   `json:"intent"`
	Context         EpisodeContext  `json:"context"`
	Action          string          `json:"action,omitempty"`
	Emotion         EpisodeEmotion  `json:"emotion"`
	Outcome         string          `json:"outcome,omitempty"`
	OpenLoops       []string        `json:"open_loops,omitempty"`
	SalienceFactors SalienceFactors `json:"salience_factors"`
	Salience        float64         `json:"salience"`
	Freshness       float64         `json:"freshness"`
	Embedding       []float32       `json:"embedding,omitempty"`
	AccessCount     int             `json:"access_count"`
	CreatedAt       time.Time       `json:"created_at"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
}

// Concept is a node in the semantic graph.
type Concept struct {
	ID                 string    `json:"id"`
	Name               string    `json:"concept_name"`
	Type               string    `json:"concept_type"`
	Definition         string    `json:"definition"`
	Embedding          []float32 `json:"embedding,omitempty"`
	AbstractionLevel   int       `json:"abstraction_level"`
	Strength           float64   `json:"strength"`         // 1..10
	ActivationScore    float64   `json:"activation_score"` // 0..1
	AccessCount        int       `json:"access_count"`
	ConsolidationCount int       `json:"consolidation_count"`
	Confidence         float64   `json:"confidence"`
	UtilityScore       float64   `json:"utility_score"`
	DecayResistance    float64   `json:"decay_resistance"` // 0.5..1
	Version            int       `json:"version"`
	FirstLearned       time.Time `json:"first_learned"`
	LastAccessed       time.Time `json:"last_accessed"`
	LastReinforced     time.Time `json:"last_reinforced"`
}

// RelationType labels a semantic edge between concepts.
type RelationType string

const (
	RelIsA             RelationType = "is-a"
	RelPartOf          RelationType = "part-of"
	RelRelatedTo       RelationType = "related-to"
	RelPrerequisiteFor RelationType = "prerequisite-for"
	RelEnables         RelationType = "enables"
	RelUsedFor         RelationType = "used-for"
	RelContradicts     RelationType = "contradicts"
	RelAlternativeTo   RelationType = "alternative-to"
)

// ConceptRelationship is a directed (optionally bidirectional) edge.
// (Source, Target, Type) is unique.
type ConceptRelationship struct {
	SourceID      string       `json:"source_concept_id"`
	TargetID      string       `json:"target_concept_id"`
	Type          RelationType `json:"relationship_type"`
	Strength      float64      `json:"strength"` // 0..1
	Bidirectional bool         `json:"bidirectional"`
}

// TraitSource distinguishes explicitly stated traits from inferred ones.
type TraitSource string

const (
	TraitExplicit TraitSource = "explicit"
	TraitInferred TraitSource = "inferred"
)

// UserTrait is a per-user trait, unique by (UserID, Key).
type UserTrait struct {
	UserID             string      `json:"user_id"`
	Key                string      `json:"trait_key"`
	Value              string      `json:"trait_value"`
	Category           string      `json:"category"`
	Confidence         float64     `json:"confidence"`
	ReinforcementCount int         `json:"reinforcement_count"`
	LastReinforcedAt   time.Time   `json:"last_reinforced_at"`
	LastConflictAt     *time.Time  `json:"last_conflict_at,omitempty"`
	IsLiteral          bool        `json:"is_literal"`
	Source             TraitSource `json:"source"`
	Embedding          []float32   `json:"embedding,omitempty"`
}

// IdentityDimensions are the six personality dimensions.
var IdentityDimensions = []string{
	"curiosity", "assertiveness", "warmth",
	"playfulness", "skepticism", "emotional_intensity",
}

// IdentityVector is one personality dimension with bounded drift.
type IdentityVector struct {
	Dimension         string    `json:"dimension"`
	BaselineWeight    float64   `json:"baseline_weight"`
	CurrentActivation float64   `json:"current_activation"`
	MinCap            float64   `json:"min_cap"`
	MaxCap            float64   `json:"max_cap"`
	PlasticityRate    float64   `json:"plasticity_rate"`
	InertiaRate       float64   `json:"inertia_rate"`
	DriftToday        float64   `json:"drift_today"`
	DriftDate         string    `json:"drift_date"` // YYYY-MM-DD
	UpdatedAt         time.Time `json:"updated_at"`
}

// RoutingDecision is the immutable audit record of one routing event.
// Reflection is the only field appended after creation.
type RoutingDecision struct {
	ID              string             `json:"id"`
	Topic           string             `json:"topic"`
	ExchangeID      string             `json:"exchange_id"`
	SelectedMode    Mode               `json:"selected_mode"`
	Confidence      float64            `json:"router_confidence"`
	Scores          map[string]float64 `json:"scores"`
	TiebreakerUsed  bool               `json:"tiebreaker_used"`
	Margin          float64            `json:"margin"`
	EffectiveMargin float64            `json:"effective_margin"`
	SignalSnapshot  map[string]float64 `json:"signal_snapshot"`
	WeightSnapshot  map[string]float64 `json:"weight_snapshot"`
	Reflection      map[string]any     `json:"reflection,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// TaskStatus is the lifecycle state of a persistent task.
type TaskStatus string

const (
	TaskProposed   TaskStatus = "PROPOSED"
	TaskAccepted   TaskStatus = "ACCEPTED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskPaused     TaskStatus = "PAUSED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskExpired    TaskStatus = "EXPIRED"
)

// TaskProgress is the structured progress of a persistent task.
type TaskProgress struct {
	LastSummary      string         `json:"last_summary,omitempty"`
	CoverageEstimate float64        `json:"coverage_estimate"`
	Steps            map[string]any `json:"steps,omitempty"` // step-level DAG state
}

// PersistentTask is multi-session ACT work advanced by the scheduler.
type PersistentTask struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	ThreadID       string       `json:"thread_id,omitempty"`
	Goal           string       `json:"goal"`
	Scope          string       `json:"scope,omitempty"`
	Status         TaskStatus   `json:"status"`
	Priority       int          `json:"priority"`
	Progress       TaskProgress `json:"progress"`
	IterationsUsed int          `json:"iterations_used"`
	MaxIterations  int          `json:"max_iterations"`
	FatigueBudget  float64      `json:"fatigue_budget"`
	ExpiresAt      time.Time    `json:"expires_at"`
	NextRunAfter   time.Time    `json:"next_run_after"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivity   time.Time    `json:"last_activity"`
}

// ScheduledItemStatus is the lifecycle state of a scheduled item.
type ScheduledItemStatus string

const (
	SchedPending   ScheduledItemStatus = "pending"
	SchedFired     ScheduledItemStatus = "fired"
	SchedFailed    ScheduledItemStatus = "failed"
	SchedCancelled ScheduledItemStatus = "cancelled"
)

// ScheduledItem is a reminder or prompt. GroupID equals the root item's ID
// for a recurring series.
type ScheduledItem struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	ItemType    string              `json:"item_type"` // notification, prompt
	Message     string              `json:"message"`
	DueAt       time.Time           `json:"due_at"`
	Recurrence  string              `json:"recurrence,omitempty"` // daily|weekdays|weekly|monthly|hourly|interval:N
	WindowStart string              `json:"window_start,omitempty"`
	WindowEnd   string              `json:"window_end,omitempty"`
	GroupID     string              `json:"group_id"`
	Status      ScheduledItemStatus `json:"status"`
	FailCount   int                 `json:"fail_count"`
	LastFiredAt *time.Time          `json:"last_fired_at,omitempty"`
}

// MomentState is the lifecycle state of a pinned moment.
type MomentState string

const (
	MomentEnriching MomentState = "enriching"
	MomentSealed    MomentState = "sealed"
	MomentForgotten MomentState = "forgotten"
)

// Moment is a user-pinned message bookmark.
type Moment struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Content    string      `json:"content"`
	Enrichment string      `json:"enrichment,omitempty"`
	State      MomentState `json:"state"`
	Embedding  []float32   `json:"embedding,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// InteractionEvent is an append-only audit record; never mutated or deleted.
type InteractionEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"` // user_input, classification, system_response, ...
	Topic      string         `json:"topic,omitempty"`
	ExchangeID string         `json:"exchange_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StreamEvent is one frame delivered on a user's event stream.
// OutputID is assigned at publish time; reconnecting consumers dedupe on it.
type StreamEvent struct {
	Type       string         `json:"type"` // status, message, card, done, drift, tool_followup, response, reminder, task, notification, escalation, error
	Content    string         `json:"content,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	ExchangeID string         `json:"exchange_id,omitempty"`
	OutputID   string         `json:"output_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// UserStreamKey returns the bus key carrying a user's events.
func UserStreamKey(userID string) string {
	return "user:" + userID + ":events"
}

// Exchange is one completed (or failed) user/assistant round trip, handed
// to the memory chunker. Failed exchanges are chunked too: the failure is
// part of the conversational record.
type Exchange struct {
	CycleID    string    `json:"cycle_id"`
	ExchangeID string    `json:"exchange_id"`
	UserID     string    `json:"user_id"`
	ThreadID   string    `json:"thread_id"`
	Topic      string    `json:"topic,omitempty"`
	TopicSplit bool      `json:"topic_split,omitempty"`
	UserText   string    `json:"user_text"`
	Response   string    `json:"response,omitempty"`
	Mode       Mode      `json:"mode,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
