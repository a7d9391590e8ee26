// Package digest runs the per-message pipeline: each inbound message cycle
// is classified to a topic, grounded in an assembled memory snapshot,
// routed to a mode, answered, streamed, and handed to the memory chunker.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cora-labs/cora/internal/act"
	"github.com/cora-labs/cora/internal/assemble"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/router"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/topic"
	"github.com/cora-labs/cora/internal/types"
)

// Publisher delivers stream events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(key string, ev types.StreamEvent) error
}

// Digester consumes the prompt queue and drives one exchange end to end.
type Digester struct {
	db         *store.DB
	eph        *ephemeral.Store
	queues     *queue.Manager
	bus        Publisher
	llm        *llm.Client
	classifier *topic.Classifier
	assembler  *assemble.Assembler
	router     *router.Router
	loop       *act.Loop

	// threadLocks serializes cycles on the same thread; cycles on
	// different threads run concurrently across workers.
	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// New wires a digester over the pipeline components.
func New(db *store.DB, eph *ephemeral.Store, queues *queue.Manager, bus Publisher,
	client *llm.Client, classifier *topic.Classifier, assembler *assemble.Assembler,
	rt *router.Router, loop *act.Loop) *Digester {
	return &Digester{
		db:          db,
		eph:         eph,
		queues:      queues,
		bus:         bus,
		llm:         client,
		classifier:  classifier,
		assembler:   assembler,
		router:      rt,
		loop:        loop,
		threadLocks: make(map[string]*sync.Mutex),
	}
}

// Ingest accepts a raw user message: it creates the thread and cycle rows
// and enqueues the cycle for a worker. This is the entry point the HTTP
// surface calls.
func (d *Digester) Ingest(userID, channelID, content string) (*types.MessageCycle, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, types.Validationf("empty message")
	}
	thread, err := d.db.GetOrCreateThread(userID, channelID)
	if err != nil {
		return nil, err
	}
	cycle := &types.MessageCycle{
		CycleID:   uuid.NewString(),
		UserID:    userID,
		ThreadID:  thread.ThreadID,
		CycleType: types.CycleUser,
		Source:    channelID,
		Content:   content,
		Status:    types.CyclePending,
		CreatedAt: time.Now(),
	}
	cycle.RootCycleID = cycle.CycleID
	if err := d.db.InsertCycle(cycle); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(cycle)
	d.queues.Enqueue(queue.QueuePrompt, &queue.Item{ID: cycle.CycleID, Payload: payload})
	return cycle, nil
}

// Run is one worker loop: dequeue, process, ack. Processing failures nack
// so the visibility timeout can redeliver transient trouble.
func (d *Digester) Run(ctx context.Context) error {
	for {
		item, err := d.queues.Dequeue(ctx, queue.QueuePrompt)
		if err != nil {
			return err
		}
		var cycle types.MessageCycle
		if err := json.Unmarshal(item.Payload, &cycle); err != nil {
			logging.Warn("digest", "bad cycle payload %s: %v", item.ID, err)
			d.queues.Ack(queue.QueuePrompt, item.ID)
			continue
		}
		if err := d.Process(ctx, &cycle); err != nil {
			if types.Recoverable(err) && item.Attempts() < 3 {
				d.queues.Nack(queue.QueuePrompt, item.ID)
				continue
			}
			logging.Warn("digest", "cycle %s failed: %v", cycle.CycleID, err)
		}
		d.queues.Ack(queue.QueuePrompt, item.ID)
	}
}

// Process drives one cycle through the pipeline. Errors before routing fail
// the cycle outright; errors after routing still reach the chunker so the
// failed exchange enters memory.
func (d *Digester) Process(ctx context.Context, cycle *types.MessageCycle) error {
	lock := d.threadLock(cycle.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	exchangeID := uuid.NewString()

	if err := d.db.UpdateCycleStatus(cycle.CycleID, types.CycleRunning); err != nil {
		return err
	}
	d.db.LogInteraction(types.InteractionEvent{
		EventType:  "user_input",
		ExchangeID: exchangeID,
		ThreadID:   cycle.ThreadID,
		Payload:    map[string]any{"content": logging.Truncate(cycle.Content, 500), "cycle_type": string(cycle.CycleType)},
	})
	d.eph.PushTurn(cycle.ThreadID, types.Turn{Role: "user", Content: cycle.Content, Timestamp: cycle.CreatedAt})

	emb, err := d.llm.Embed(ctx, cycle.Content)
	if err != nil {
		d.failCycle(cycle, exchangeID, "", err)
		return err
	}
	cls, err := d.classifier.Classify(ctx, cycle.ThreadID, cycle.Content, emb, messageSalience(cycle.Content))
	if err != nil {
		d.failCycle(cycle, exchangeID, "", err)
		return err
	}
	topicName := cls.Topic.Name
	cycle.Topic = topicName
	d.db.TouchThread(cycle.ThreadID, topicName)
	d.db.LogInteraction(types.InteractionEvent{
		EventType:  "classification",
		Topic:      topicName,
		ExchangeID: exchangeID,
		ThreadID:   cycle.ThreadID,
		Payload:    map[string]any{"similarity": cls.Similarity, "created": cls.Created},
	})

	snap, err := d.assembler.Assemble(ctx, cycle.ThreadID, topicName, cycle.Content, emb, 0)
	if err != nil {
		d.failCycle(cycle, exchangeID, topicName, err)
		return err
	}

	prevMode, turns := d.threadRoutingState(cycle.ThreadID)
	decision, err := d.router.Route(ctx, cycle.UserID, topicName, exchangeID, cycle.Content, snap, prevMode, turns, d.hasNewInfo(cycle))
	if err != nil {
		d.failCycle(cycle, exchangeID, topicName, err)
		return err
	}

	// Routing succeeded: from here every path, including failure, both
	// notifies the user and feeds the chunker.
	d.status(cycle, exchangeID, topicName, statusFor(decision.SelectedMode))
	response, genErr := d.respond(ctx, cycle, decision, snap, exchangeID)
	if genErr != nil {
		d.emit(cycle, exchangeID, topicName, types.StreamEvent{
			Type:    "error",
			Content: "I hit a problem handling that. I have noted it and will keep the context.",
			Payload: map[string]any{"error": genErr.Error()},
		})
		d.db.UpdateCycleStatus(cycle.CycleID, types.CycleFailed)
		d.chunk(cycle, exchangeID, decision.SelectedMode, cls.Created, "", genErr)
		return nil
	}

	d.eph.PushTurn(cycle.ThreadID, types.Turn{Role: "assistant", Content: response, Topic: topicName, Timestamp: time.Now()})
	d.emit(cycle, exchangeID, topicName, types.StreamEvent{Type: "message", Content: response})
	d.emit(cycle, exchangeID, topicName, types.StreamEvent{
		Type:    "done",
		Payload: map[string]any{"mode": string(decision.SelectedMode), "elapsed_ms": time.Since(start).Milliseconds()},
	})
	d.db.LogInteraction(types.InteractionEvent{
		EventType:  "system_response",
		Topic:      topicName,
		ExchangeID: exchangeID,
		ThreadID:   cycle.ThreadID,
		Payload:    map[string]any{"mode": string(decision.SelectedMode), "response": logging.Truncate(response, 500)},
	})
	d.db.UpdateCycleStatus(cycle.CycleID, types.CycleCompleted)
	d.rememberRoutingState(cycle.ThreadID, decision.SelectedMode, topicName)
	d.chunk(cycle, exchangeID, decision.SelectedMode, cls.Created, response, nil)
	return nil
}

// respond produces the assistant's reply for the routed mode.
func (d *Digester) respond(ctx context.Context, cycle *types.MessageCycle, decision *types.RoutingDecision, snap *assemble.Snapshot, exchangeID string) (string, error) {
	rendered := Render(snap)
	switch decision.SelectedMode {
	case types.ModeAcknowledge:
		return d.llm.GenerateSmall(ctx, fmt.Sprintf(
			"Reply to this message in one short, warm sentence. No questions, no elaboration.\nMessage: %s", cycle.Content))
	case types.ModeClarify:
		return d.llm.Generate(ctx, fmt.Sprintf(
			"The user's request is ambiguous. Ask exactly one clarifying question that would let you proceed.\n\n%s\nUser: %s",
			rendered, cycle.Content))
	case types.ModeAct:
		return d.runAct(ctx, cycle, rendered, exchangeID)
	default: // RESPOND
		return d.llm.Generate(ctx, fmt.Sprintf(
			"You are a personal assistant with memory. Answer from the context below when it is relevant; say so when it is not.\n%s\n%s\nUser: %s\nAssistant:",
			d.persona(cycle.UserID), rendered, cycle.Content))
	}
}

// persona renders the identity vector and the user's durable traits as a
// tone block for the generator. The identity dimensions drift with the
// emotional tenor of recent episodes, so the voice tracks the relationship.
func (d *Digester) persona(userID string) string {
	var b strings.Builder
	if identity, err := d.db.Identity(); err == nil && len(identity) > 0 {
		dims := make([]string, 0, len(identity))
		for dim := range identity {
			dims = append(dims, dim)
		}
		sort.Strings(dims)
		parts := make([]string, 0, len(dims))
		for _, dim := range dims {
			parts = append(parts, fmt.Sprintf("%s=%.2f", dim, identity[dim].CurrentActivation))
		}
		b.WriteString("Your disposition (0..1): " + strings.Join(parts, ", ") + "\n")
	}
	if traits, err := d.db.ListTraits(userID, 0.6); err == nil && len(traits) > 0 {
		b.WriteString("Durable user traits:\n")
		for _, t := range traits {
			fmt.Fprintf(&b, "  %s: %s\n", t.Key, t.Value)
		}
	}
	var style map[string]float64
	if err := d.db.GetConfigRecord(store.StyleRecordKey(userID), &style); err == nil && len(style) > 0 {
		dims := make([]string, 0, len(style))
		for dim := range style {
			dims = append(dims, dim)
		}
		sort.Strings(dims)
		parts := make([]string, 0, len(dims))
		for _, dim := range dims {
			parts = append(parts, fmt.Sprintf("%s=%.2f", dim, style[dim]))
		}
		b.WriteString("The user's communication style (0..1): " + strings.Join(parts, ", ") + "\n")
	}
	return b.String()
}

// runAct executes the action loop under a child cycle and synthesizes a
// response from its steps.
func (d *Digester) runAct(ctx context.Context, cycle *types.MessageCycle, rendered, exchangeID string) (string, error) {
	child, err := d.db.SpawnChildCycle(cycle, types.CycleToolFollowup, cycle.Content)
	if err != nil {
		return "", err
	}
	d.db.UpdateCycleStatus(child.CycleID, types.CycleRunning)

	out, err := d.loop.Run(ctx, act.Invocation{
		UserID:   cycle.UserID,
		ThreadID: cycle.ThreadID,
		Request:  cycle.Content,
		Context:  rendered,
		Mode:     "interactive",
	})
	if err != nil {
		d.db.UpdateCycleStatus(child.CycleID, types.CycleFailed)
		return "", err
	}
	d.db.UpdateCycleStatus(child.CycleID, types.CycleCompleted)
	for _, esc := range out.Escalations {
		d.emit(cycle, exchangeID, cycle.Topic, types.StreamEvent{
			Type:    "escalation",
			Content: fmt.Sprintf("I could not verify the result of %s; please double-check it.", esc.Action.Type),
			Payload: map[string]any{"action": esc.Action.Type},
		})
	}
	if out.EscalatedTaskID != "" {
		d.emit(cycle, exchangeID, cycle.Topic, types.StreamEvent{
			Type:    "task",
			Content: "This needs more than one sitting; I opened a background task and will keep at it.",
			Payload: map[string]any{"task_id": out.EscalatedTaskID},
		})
	}
	if out.Response != "" {
		return out.Response, nil
	}
	return d.synthesize(ctx, cycle.Content, out)
}

// synthesize turns raw step transcripts into a conversational answer.
func (d *Digester) synthesize(ctx context.Context, request string, out *act.Outcome) (string, error) {
	if len(out.Steps) == 0 {
		return "I could not make progress on that just now.", nil
	}
	var b strings.Builder
	for _, s := range out.Steps {
		if s.Err != "" {
			fmt.Fprintf(&b, "%s failed: %s\n", s.Action.Type, s.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", s.Action.Type, logging.Truncate(s.Result, 400))
	}
	return d.llm.Generate(ctx, fmt.Sprintf(
		"Summarize what was done for the user's request, in their voice's register. Be concrete about results and honest about failures.\nRequest: %s\nActions:\n%s",
		request, b.String()))
}

// chunk hands the finished exchange to the memory chunker queue.
func (d *Digester) chunk(cycle *types.MessageCycle, exchangeID string, mode types.Mode, topicSplit bool, response string, failure error) {
	ex := types.Exchange{
		CycleID:    cycle.CycleID,
		ExchangeID: exchangeID,
		UserID:     cycle.UserID,
		ThreadID:   cycle.ThreadID,
		Topic:      cycle.Topic,
		TopicSplit: topicSplit,
		UserText:   cycle.Content,
		Response:   response,
		Mode:       mode,
		CreatedAt:  time.Now(),
	}
	if failure != nil {
		ex.Failed = true
		ex.Error = failure.Error()
	}
	payload, _ := json.Marshal(ex)
	d.queues.Enqueue(queue.QueueMemoryChunker, &queue.Item{ID: exchangeID, Payload: payload})
}

// failCycle handles errors before routing: the user gets an error frame and
// the cycle is marked failed, but there is no exchange to chunk yet.
func (d *Digester) failCycle(cycle *types.MessageCycle, exchangeID, topicName string, err error) {
	logging.Warn("digest", "cycle %s: %v", cycle.CycleID, err)
	d.emit(cycle, exchangeID, topicName, types.StreamEvent{
		Type:    "error",
		Content: "Something went wrong before I could process that.",
		Payload: map[string]any{"error": err.Error()},
	})
	d.db.UpdateCycleStatus(cycle.CycleID, types.CycleFailed)
}

// statusFor maps the routed mode to the status literal shown on the stream.
func statusFor(mode types.Mode) string {
	switch mode {
	case types.ModeAcknowledge:
		return "acknowledging"
	case types.ModeClarify:
		return "clarifying"
	case types.ModeAct:
		return "working on it"
	default:
		return "thinking"
	}
}

func (d *Digester) status(cycle *types.MessageCycle, exchangeID, topicName, text string) {
	d.emit(cycle, exchangeID, topicName, types.StreamEvent{Type: "status", Content: text})
}

func (d *Digester) emit(cycle *types.MessageCycle, exchangeID, topicName string, ev types.StreamEvent) {
	ev.ExchangeID = exchangeID
	if ev.Topic == "" {
		ev.Topic = topicName
	}
	if ev.OutputID == "" {
		ev.OutputID = uuid.NewString()
	}
	if d.bus != nil {
		d.bus.Publish(types.UserStreamKey(cycle.UserID), ev)
	}
}

func (d *Digester) threadLock(threadID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		d.threadLocks[threadID] = l
	}
	return l
}

// threadRoutingState recalls the previous mode and how many consecutive
// turns the thread has spent on its current topic.
func (d *Digester) threadRoutingState(threadID string) (types.Mode, int) {
	prevMode := types.Mode("")
	turns := 0
	if v, ok := d.eph.GetState("route:" + threadID); ok {
		if st, ok := v.(routeState); ok {
			prevMode = st.Mode
			turns = st.TurnsInTopic
		}
	}
	return prevMode, turns
}

func (d *Digester) rememberRoutingState(threadID string, mode types.Mode, topicName string) {
	st := routeState{Mode: mode, Topic: topicName, TurnsInTopic: 1}
	if v, ok := d.eph.GetState("route:" + threadID); ok {
		if prev, ok := v.(routeState); ok && prev.Topic == topicName {
			st.TurnsInTopic = prev.TurnsInTopic + 1
		}
	}
	d.eph.SetState("route:"+threadID, st)
}

type routeState struct {
	Mode         types.Mode
	Topic        string
	TurnsInTopic int
}

// hasNewInfo reports whether this message adds material beyond the user's
// previous turn. A near-repeat after a clarifying question must not loop
// back into CLARIFY.
func (d *Digester) hasNewInfo(cycle *types.MessageCycle) bool {
	recent := d.eph.Recent(cycle.ThreadID, 4)
	var prevUser string
	// last turn is the message just pushed; walk back for the prior user turn
	for i := len(recent) - 2; i >= 0; i-- {
		if recent[i].Role == "user" {
			prevUser = recent[i].Content
			break
		}
	}
	if prevUser == "" {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(prevUser), strings.TrimSpace(cycle.Content))
}

// messageSalience is a cheap pre-LLM estimate used for topic bookkeeping.
func messageSalience(content string) float64 {
	s := 0.4
	if strings.Contains(content, "!") {
		s += 0.2
	}
	if strings.Contains(content, "?") {
		s += 0.1
	}
	if len(content) > 200 {
		s += 0.2
	}
	if s > 1 {
		s = 1
	}
	return s
}
