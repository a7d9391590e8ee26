package store

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func insertTestEpisode(t *testing.T, db *DB, rootCycle, gist string, salience float64, lastAccess time.Time, emb []float32) *types.Episode {
	t.Helper()
	e, err := db.InsertEpisode(&types.Episode{
		RootCycleID:    rootCycle,
		Topic:          "errands",
		Gist:           gist,
		Salience:       salience,
		Embedding:      emb,
		CreatedAt:      lastAccess,
		LastAccessedAt: lastAccess,
	})
	if err != nil {
		t.Fatalf("InsertEpisode(%s): %v", rootCycle, err)
	}
	return e
}

func TestInsertEpisodeIdempotentPerRootCycle(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	first := insertTestEpisode(t, db, "cycle-1", "booked the dentist", 0.8, now, nil)
	second := insertTestEpisode(t, db, "cycle-1", "completely different gist", 0.2, now, nil)
	if second.ID != first.ID {
		t.Errorf("second insert created a new episode: %s vs %s", second.ID, first.ID)
	}
	if second.Gist != "booked the dentist" {
		t.Errorf("existing episode was overwritten: %q", second.Gist)
	}
}

func TestDecayEpisodesAges(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	lastAccess := now.Add(-2 * time.Hour)
	insertTestEpisode(t, db, "cycle-1", "planned the trip", 1.0, lastAccess, nil)

	n, err := db.DecayEpisodes(now, 10)
	if err != nil {
		t.Fatalf("DecayEpisodes: %v", err)
	}
	if n != 1 {
		t.Errorf("aged %d episodes, want 1", n)
	}

	e, err := db.GetEpisodeByRootCycle("cycle-1")
	if err != nil {
		t.Fatalf("GetEpisodeByRootCycle: %v", err)
	}
	wantSalience := 1.0 * math.Exp(-EpisodeSlowDecayLambda*10)
	if !approx(e.Salience, wantSalience) {
		t.Errorf("salience = %v, want %v", e.Salience, wantSalience)
	}
	wantFreshness := wantSalience * math.Exp(-EpisodeDecayLambda*2)
	if math.Abs(e.Freshness-wantFreshness) > 1e-4 {
		t.Errorf("freshness = %v, want %v", e.Freshness, wantFreshness)
	}
}

func TestDecayEpisodesComposes(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	insertTestEpisode(t, db, "cycle-1", "weekly review", 0.9, now.Add(-time.Hour), nil)

	// two half-interval passes must equal one full-interval pass
	if _, err := db.DecayEpisodes(now, 5); err != nil {
		t.Fatalf("DecayEpisodes: %v", err)
	}
	if _, err := db.DecayEpisodes(now, 5); err != nil {
		t.Fatalf("DecayEpisodes: %v", err)
	}
	e, err := db.GetEpisodeByRootCycle("cycle-1")
	if err != nil {
		t.Fatalf("GetEpisodeByRootCycle: %v", err)
	}
	want := 0.9 * math.Exp(-EpisodeSlowDecayLambda*10)
	if !approx(e.Salience, want) {
		t.Errorf("salience after split passes = %v, want %v", e.Salience, want)
	}
}

func TestDecayEpisodesNoInterval(t *testing.T) {
	db := openTestDB(t)
	insertTestEpisode(t, db, "cycle-1", "nothing to age", 0.5, time.Now(), nil)
	n, err := db.DecayEpisodes(time.Now(), 0)
	if err != nil {
		t.Fatalf("DecayEpisodes: %v", err)
	}
	if n != 0 {
		t.Errorf("aged %d episodes on a zero interval", n)
	}
}

func TestSearchEpisodesRanksAndReinforces(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	match := insertTestEpisode(t, db, "cycle-1", "grocery list for the week", 0.7, now, []float32{1, 0, 0, 0})
	insertTestEpisode(t, db, "cycle-2", "debugging the heater", 0.7, now, []float32{0, 1, 0, 0})

	scored, err := db.SearchEpisodes("grocery list", []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchEpisodes: %v", err)
	}
	if len(scored) == 0 {
		t.Fatal("no episodes retrieved")
	}
	if scored[0].Episode.ID != match.ID {
		t.Errorf("top hit = %q, want the grocery episode", scored[0].Episode.Gist)
	}

	// retrieval bumps access tracking in the same call
	e, err := db.GetEpisode(match.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if e.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", e.AccessCount)
	}
}

func insertTestConcept(t *testing.T, db *DB, name string, resistance float64) *types.Concept {
	t.Helper()
	c, err := db.UpsertConcept(&types.Concept{
		Name:            name,
		Type:            "entity",
		DecayResistance: resistance,
	})
	if err != nil {
		t.Fatalf("UpsertConcept(%s): %v", name, err)
	}
	return c
}

func TestDecayConceptsResistanceSlowsFading(t *testing.T) {
	db := openTestDB(t)
	insertTestConcept(t, db, "fragile", 0.5)
	insertTestConcept(t, db, "entrenched", 0.9)

	if _, err := db.DecayConcepts(10); err != nil {
		t.Fatalf("DecayConcepts: %v", err)
	}

	fragile, err := db.GetConceptByName("fragile")
	if err != nil {
		t.Fatalf("GetConceptByName: %v", err)
	}
	entrenched, err := db.GetConceptByName("entrenched")
	if err != nil {
		t.Fatalf("GetConceptByName: %v", err)
	}
	if !approx(fragile.Strength, math.Exp(-ConceptDecayLambda*0.5*10)) {
		t.Errorf("fragile strength = %v", fragile.Strength)
	}
	if !approx(entrenched.Strength, math.Exp(-ConceptDecayLambda*0.1*10)) {
		t.Errorf("entrenched strength = %v", entrenched.Strength)
	}
	if fragile.Strength >= entrenched.Strength {
		t.Error("higher decay resistance did not slow fading")
	}
}

func TestDecayConceptsPrunesWeak(t *testing.T) {
	db := openTestDB(t)
	weak := insertTestConcept(t, db, "forgettable", 0.5)
	keeper := insertTestConcept(t, db, "permanent", 1.0)
	if err := db.UpsertRelationship(types.ConceptRelationship{
		SourceID: keeper.ID, TargetID: weak.ID, Type: types.RelRelatedTo, Strength: 0.8,
	}); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	// exp(-0.03 * 0.5 * 200) < 0.1, so the unresisting concept is pruned
	pruned, err := db.DecayConcepts(200)
	if err != nil {
		t.Fatalf("DecayConcepts: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := db.GetConceptByName("forgettable"); err != sql.ErrNoRows {
		t.Errorf("pruned concept still present, err = %v", err)
	}
	if _, err := db.GetConceptByName("permanent"); err != nil {
		t.Errorf("fully resistant concept pruned: %v", err)
	}
	edges, err := db.Relationships(keeper.ID)
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("dangling edges after prune: %d", len(edges))
	}
}

func TestSpreadActivationDepthAndCutoff(t *testing.T) {
	db := openTestDB(t)
	a := insertTestConcept(t, db, "a", 0.5)
	b := insertTestConcept(t, db, "b", 0.5)
	c := insertTestConcept(t, db, "c", 0.5)
	d := insertTestConcept(t, db, "d", 0.5)
	for _, e := range []types.ConceptRelationship{
		{SourceID: a.ID, TargetID: b.ID, Type: types.RelRelatedTo, Strength: 1.0},
		{SourceID: b.ID, TargetID: c.ID, Type: types.RelRelatedTo, Strength: 1.0},
		{SourceID: c.ID, TargetID: d.ID, Type: types.RelRelatedTo, Strength: 1.0},
	} {
		if err := db.UpsertRelationship(e); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}

	act, err := db.SpreadActivation(map[string]float64{a.ID: 1.0}, 2, false)
	if err != nil {
		t.Fatalf("SpreadActivation: %v", err)
	}
	if !approx(act[b.ID], 0.7) {
		t.Errorf("one hop = %v, want 0.7", act[b.ID])
	}
	if !approx(act[c.ID], 0.49) {
		t.Errorf("two hops = %v, want 0.49", act[c.ID])
	}
	if _, ok := act[d.ID]; ok {
		t.Error("activation spread past the depth bound")
	}
}

func TestSpreadActivationWeakEdgeFloor(t *testing.T) {
	db := openTestDB(t)
	hub := insertTestConcept(t, db, "hub", 0.5)
	strong := insertTestConcept(t, db, "strong", 0.5)
	weak := insertTestConcept(t, db, "weak", 0.5)
	faint := insertTestConcept(t, db, "faint", 0.5)
	for _, e := range []types.ConceptRelationship{
		{SourceID: hub.ID, TargetID: strong.ID, Type: types.RelRelatedTo, Strength: 0.9},
		{SourceID: hub.ID, TargetID: weak.ID, Type: types.RelRelatedTo, Strength: 0.2},
		{SourceID: hub.ID, TargetID: faint.ID, Type: types.RelRelatedTo, Strength: 0.05},
	} {
		if err := db.UpsertRelationship(e); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}
	seeds := map[string]float64{hub.ID: 1.0}

	act, err := db.SpreadActivation(seeds, 2, false)
	if err != nil {
		t.Fatalf("SpreadActivation: %v", err)
	}
	if _, ok := act[strong.ID]; !ok {
		t.Error("strong edge did not conduct")
	}
	if _, ok := act[weak.ID]; ok {
		t.Error("edge below the weak floor conducted without include_weak")
	}

	withWeak, err := db.SpreadActivation(seeds, 2, true)
	if err != nil {
		t.Fatalf("SpreadActivation: %v", err)
	}
	if !approx(withWeak[weak.ID], 1.0*ActivationDecayPerLevel*0.2) {
		t.Errorf("weak edge activation = %v with include_weak", withWeak[weak.ID])
	}
	// even with weak edges included, sub-epsilon activation is dropped
	if _, ok := withWeak[faint.ID]; ok {
		t.Error("activation below epsilon propagated")
	}
}

func TestSpreadActivationBidirectional(t *testing.T) {
	db := openTestDB(t)
	seedC := insertTestConcept(t, db, "seed", 0.5)
	back := insertTestConcept(t, db, "back", 0.5)
	if err := db.UpsertRelationship(types.ConceptRelationship{
		SourceID: back.ID, TargetID: seedC.ID, Type: types.RelRelatedTo, Strength: 0.8, Bidirectional: true,
	}); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	act, err := db.SpreadActivation(map[string]float64{seedC.ID: 1.0}, 2, false)
	if err != nil {
		t.Fatalf("SpreadActivation: %v", err)
	}
	if !approx(act[back.ID], 1.0*ActivationDecayPerLevel*0.8) {
		t.Errorf("incoming bidirectional edge did not conduct, activation = %v", act[back.ID])
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := openTestDB(t)
	task := &types.PersistentTask{AccountID: "u", Goal: "learn the bus routes"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	// PROPOSED cannot jump straight to IN_PROGRESS
	err := db.TransitionTask(task.ID, types.TaskInProgress)
	if err == nil {
		t.Fatal("PROPOSED -> IN_PROGRESS allowed")
	}
	if types.KindOf(err) != types.ErrContract {
		t.Errorf("invalid transition kind = %v, want contract", types.KindOf(err))
	}

	for _, to := range []types.TaskStatus{types.TaskAccepted, types.TaskInProgress} {
		if err := db.TransitionTask(task.ID, to); err != nil {
			t.Fatalf("TransitionTask(%s): %v", to, err)
		}
	}

	got, err := db.RecordTaskIteration(task.ID, types.TaskProgress{
		LastSummary:      "covered the main lines",
		CoverageEstimate: 0.96,
	}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("RecordTaskIteration: %v", err)
	}
	if got.Status != types.TaskCompleted {
		t.Errorf("status = %s, want COMPLETED past the coverage threshold", got.Status)
	}
	if err := db.TransitionTask(task.ID, types.TaskPaused); err == nil {
		t.Error("transition out of COMPLETED allowed")
	}
}

func TestTaskPausesOnIterationExhaustion(t *testing.T) {
	db := openTestDB(t)
	task := &types.PersistentTask{AccountID: "u", Goal: "slow burn", MaxIterations: 2}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	for _, to := range []types.TaskStatus{types.TaskAccepted, types.TaskInProgress} {
		if err := db.TransitionTask(task.ID, to); err != nil {
			t.Fatalf("TransitionTask(%s): %v", to, err)
		}
	}
	var got *types.PersistentTask
	var err error
	for i := 0; i < 2; i++ {
		got, err = db.RecordTaskIteration(task.ID, types.TaskProgress{CoverageEstimate: 0.3}, time.Now())
		if err != nil {
			t.Fatalf("RecordTaskIteration: %v", err)
		}
	}
	if got.Status != types.TaskPaused {
		t.Errorf("status = %s, want PAUSED after max iterations", got.Status)
	}
}

func TestExpireTasks(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	overdue := &types.PersistentTask{AccountID: "u", Goal: "stale", ExpiresAt: now.Add(-time.Hour)}
	live := &types.PersistentTask{AccountID: "u", Goal: "fresh"}
	for _, task := range []*types.PersistentTask{overdue, live} {
		if err := db.InsertTask(task); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
	}

	n, err := db.ExpireTasks(now)
	if err != nil {
		t.Fatalf("ExpireTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d tasks, want 1", n)
	}
	got, err := db.GetTask(overdue.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskExpired {
		t.Errorf("overdue task status = %s", got.Status)
	}
	if got, _ := db.GetTask(live.ID); got.Status != types.TaskProposed {
		t.Errorf("live task status = %s", got.Status)
	}
}

func TestConfigRecordAuthority(t *testing.T) {
	db := openTestDB(t)
	weights := map[string]float64{"warmth": 0.4}

	err := db.SetConfigRecord("router_weights", weights, "scheduler")
	if err == nil {
		t.Fatal("write from outside the owning regulator accepted")
	}
	if types.KindOf(err) != types.ErrAuthority {
		t.Errorf("refusal kind = %v, want authority", types.KindOf(err))
	}

	if err := db.SetConfigRecord("router_weights", weights, "routing_regulator"); err != nil {
		t.Fatalf("owner write refused: %v", err)
	}
	var got map[string]float64
	if err := db.GetConfigRecord("router_weights", &got); err != nil {
		t.Fatalf("GetConfigRecord: %v", err)
	}
	if got["warmth"] != 0.4 {
		t.Errorf("round trip = %v", got)
	}

	// unlisted keys are open to any writer
	if err := db.SetConfigRecord("chunker_hints", []string{"x"}, "anyone"); err != nil {
		t.Errorf("open key write refused: %v", err)
	}

	// per-user style records all belong to the memory chunker
	style := map[string]float64{"formality": 0.7}
	if err := db.SetConfigRecord(StyleRecordKey("u1"), style, "digest"); types.KindOf(err) != types.ErrAuthority {
		t.Errorf("style write from outside the chunker: err = %v", err)
	}
	if err := db.SetConfigRecord(StyleRecordKey("u1"), style, "memory_chunker"); err != nil {
		t.Errorf("chunker style write refused: %v", err)
	}
	if err := db.GetConfigRecord("never_written", &got); err != sql.ErrNoRows {
		t.Errorf("unwritten key err = %v, want ErrNoRows", err)
	}
}
