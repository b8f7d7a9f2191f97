package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/provider"
)

func fptr(v float64) *float64 { return &v }

func twoArtifacts() []provider.Artifact {
	return []provider.Artifact{
		{URL: "https://cdn/a1.mp3", ImageURL: "https://cdn/a1.png", DurationSeconds: fptr(120), Tags: "lofi", Title: "Rain I"},
		{URL: "https://cdn/a2.mp3", DurationSeconds: fptr(98), Title: "Rain II"},
	}
}

func TestReconcilePendingToProcessing(t *testing.T) {
	env := newTestEnv()
	env.db.seedWallet("u1", 0)
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusPending)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "processing", Progress: "40%"}, nil)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if len(outcomes) != 1 || outcomes[0].Result != OutcomeUpdated {
		t.Fatalf("outcomes: got %+v", outcomes)
	}

	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusProcessing || task.Progress != "40%" {
		t.Errorf("task: got status=%s progress=%s", task.Status, task.Progress)
	}
	if task.NextPollAt == nil || !task.NextPollAt.Equal(env.now.Add(5*time.Second)) {
		t.Errorf("next poll: got %v", task.NextPollAt)
	}
	if got := env.db.balance("u1"); got != 0 {
		t.Errorf("balance changed: got %d", got)
	}
}

func TestReconcileExternalPendingDoesNotRegress(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "queued"}, nil)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if outcomes[0].Result != OutcomeUnchanged {
		t.Fatalf("outcome: got %+v", outcomes[0])
	}
	if task, _ := env.db.task("t1"); task.Status != model.TaskStatusProcessing {
		t.Errorf("status: got %s, want PROCESSING", task.Status)
	}
}

func TestReconcileSuccessFansOut(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "SUCCESS", Artifacts: twoArtifacts()}, nil)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if outcomes[0].Result != OutcomeCompleted {
		t.Fatalf("outcome: got %+v", outcomes[0])
	}
	if len(outcomes[0].Changed) != 2 {
		t.Errorf("changed: got %d, want primary and sibling", len(outcomes[0].Changed))
	}

	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusCompleted || task.AudioURL == nil || *task.AudioURL != "https://cdn/a1.mp3" {
		t.Errorf("primary: got %+v", task)
	}

	children := env.db.childrenOf("t1")
	if len(children) != 1 {
		t.Fatalf("siblings: got %d, want 1", len(children))
	}
	sib := children[0]
	if sib.Status != model.TaskStatusCompleted || *sib.AudioURL != "https://cdn/a2.mp3" {
		t.Errorf("sibling: got %+v", sib)
	}
	if *sib.ExternalTaskID != "ext-1_2" || sib.Prompt != "lofi beats" || sib.ModelVersion != "V4_5" || sib.Cost != 0 {
		t.Errorf("sibling metadata: got %+v", sib)
	}

	events := env.db.outboxEvents()
	if len(events) != 1 || !strings.Contains(events[0].Payload, model.EventTaskCompleted) || !strings.Contains(events[0].Payload, sib.ID) {
		t.Errorf("outbox: got %+v", events)
	}
}

func TestReconcileRepeatedSuccessCreatesOneSibling(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "SUCCESS", Artifacts: twoArtifacts()}, nil)
	ctx := context.Background()

	env.reconcile.Reconcile(ctx, "u1", []string{"t1"})
	second := env.reconcile.Reconcile(ctx, "u1", []string{"t1"})
	if second[0].Result != OutcomeSkipped {
		t.Errorf("second poll: got %+v, want skipped", second[0])
	}
	if n := len(env.db.childrenOf("t1")); n != 1 {
		t.Errorf("siblings: got %d, want 1", n)
	}
}

func TestReconcileConcurrentStalePollsCreateOneSibling(t *testing.T) {
	env := newTestEnv()
	primary := env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "SUCCESS", Artifacts: twoArtifacts()}, nil)
	ctx := context.Background()

	// 两个轮询拿到的是同一份过期快照
	var wg sync.WaitGroup
	results := make([][]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := primary
			results[i] = env.reconcile.ReconcileTasks(ctx, []*model.Task{&snapshot})
		}(i)
	}
	wg.Wait()

	got := map[string]int{}
	for _, r := range results {
		got[r[0].Result]++
	}
	if got[OutcomeCompleted] != 1 || got[OutcomeConflict] != 1 {
		t.Errorf("outcomes: got %v, want one completed and one conflict", got)
	}
	if n := len(env.db.childrenOf("t1")); n != 1 {
		t.Errorf("siblings: got %d, want 1", n)
	}
	if n := len(env.db.outboxEvents()); n != 1 {
		t.Errorf("outbox: got %d, want 1", n)
	}
}

func TestReconcileUpdatesPreexistingSibling(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	parent := "t1"
	derived := "ext-1_2"
	env.db.seedTask(model.Task{
		ID:             "s1",
		UserID:         "u1",
		ExternalTaskID: &derived,
		ParentTaskID:   &parent,
		Prompt:         "lofi beats",
		Status:         model.TaskStatusProcessing,
	})
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "SUCCESS", Artifacts: twoArtifacts()}, nil)

	if out := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"}); out[0].Result != OutcomeCompleted {
		t.Fatalf("outcome: got %+v", out[0])
	}
	children := env.db.childrenOf("t1")
	if len(children) != 1 || children[0].ID != "s1" {
		t.Fatalf("siblings: got %+v", children)
	}
	if children[0].Status != model.TaskStatusCompleted || *children[0].AudioURL != "https://cdn/a2.mp3" {
		t.Errorf("sibling: got %+v", children[0])
	}
}

func TestReconcileSuccessWithoutArtifactStaysProcessing(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{
		RawStatus: "SUCCESS",
		Artifacts: []provider.Artifact{{URL: "", Title: "no audio yet"}},
	}, nil)

	env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusProcessing {
		t.Errorf("status: got %s, want PROCESSING", task.Status)
	}
	if n := len(env.db.childrenOf("t1")); n != 0 {
		t.Errorf("siblings: got %d, want 0", n)
	}
}

func TestReconcileFirstSuccessCompletesWithAudio(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "FIRST_SUCCESS", Artifacts: twoArtifacts()}, nil)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if outcomes[0].Result != OutcomeCompleted {
		t.Fatalf("outcome: got %+v", outcomes[0])
	}
	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusCompleted || task.AudioURL == nil || *task.AudioURL != "https://cdn/a1.mp3" {
		t.Errorf("primary: got %+v", task)
	}
	if n := len(env.db.childrenOf("t1")); n != 1 {
		t.Errorf("siblings: got %d, want 1", n)
	}

	// 之后外部再报失败也不会退款
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "GENERATE_AUDIO_FAILED"}, nil)
	env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if task, _ := env.db.task("t1"); task.Status != model.TaskStatusCompleted {
		t.Errorf("status after late failure: got %s", task.Status)
	}
	if refunds := env.db.transactionsOf("t1", model.TransactionTypeRefund); len(refunds) != 0 {
		t.Errorf("refunds: got %d, want 0", len(refunds))
	}
}

func TestReconcileFirstSuccessWithoutAudioStaysProcessing(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusPending)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "FIRST_SUCCESS", Progress: "50%"}, nil)

	env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusProcessing || task.Progress != "50%" {
		t.Errorf("task: got status=%s progress=%s", task.Status, task.Progress)
	}
}

func TestReconcileUnknownStatusIsProcessing(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusPending)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "WEIRD_NEW_STATE", Artifacts: twoArtifacts()}, nil)

	env.reconcile.Reconcile(context.Background(), "u1", []string{"t1"})
	if task, _ := env.db.task("t1"); task.Status != model.TaskStatusProcessing {
		t.Errorf("status: got %s, want PROCESSING", task.Status)
	}
}

func TestReconcileFailureRefundsOnce(t *testing.T) {
	env := newTestEnv()
	env.db.seedWallet("u1", 0)
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "failed", FailReason: "sensitive words"}, nil)
	ctx := context.Background()

	first := env.reconcile.Reconcile(ctx, "u1", []string{"t1"})
	if first[0].Result != OutcomeFailed {
		t.Fatalf("first: got %+v", first[0])
	}
	task, _ := env.db.task("t1")
	if task.Status != model.TaskStatusFailed || task.FailReason != "sensitive words" {
		t.Errorf("task: got status=%s reason=%s", task.Status, task.FailReason)
	}
	if got := env.db.balance("u1"); got != testCost {
		t.Errorf("balance: got %d, want %d", got, testCost)
	}

	second := env.reconcile.Reconcile(ctx, "u1", []string{"t1"})
	if second[0].Result != OutcomeSkipped {
		t.Errorf("second: got %+v, want skipped", second[0])
	}
	if n := len(env.db.transactionsOf("t1", model.TransactionTypeRefund)); n != 1 {
		t.Errorf("REFUND rows: got %d, want 1", n)
	}
	if got := env.db.balance("u1"); got != testCost {
		t.Errorf("balance after repeat: got %d, want %d", got, testCost)
	}
}

func TestReconcileConcurrentFailureRefundsOnce(t *testing.T) {
	env := newTestEnv()
	env.db.seedWallet("u1", 0)
	primary := env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "CREATE_TASK_FAILED"}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := primary
			env.reconcile.ReconcileTasks(ctx, []*model.Task{&snapshot})
		}()
	}
	wg.Wait()

	if n := len(env.db.transactionsOf("t1", model.TransactionTypeRefund)); n != 1 {
		t.Errorf("REFUND rows: got %d, want 1", n)
	}
	if got := env.db.balance("u1"); got != testCost {
		t.Errorf("balance: got %d, want %d", got, testCost)
	}
}

func TestReconcileFetchErrorIsolatedAndBackedOff(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.seedSubmitted("u1", "t2", "ext-2", model.TaskStatusProcessing)
	env.fetcher.set("ext-1", nil, provider.ErrProviderTimeout)
	env.fetcher.set("ext-2", &provider.TaskStatus{RawStatus: "SUCCESS", Artifacts: twoArtifacts()[:1]}, nil)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"t1", "t2"})
	if outcomes[0].Result != OutcomeError || !errors.Is(outcomes[0].Err, provider.ErrProviderTimeout) {
		t.Errorf("t1: got %+v", outcomes[0])
	}
	if outcomes[1].Result != OutcomeCompleted {
		t.Errorf("t2: got %+v", outcomes[1])
	}

	t1, _ := env.db.task("t1")
	if t1.Status != model.TaskStatusProcessing {
		t.Errorf("timed out task must stay PROCESSING, got %s", t1.Status)
	}
	if t1.PollFailures != 1 || t1.NextPollAt == nil || !t1.NextPollAt.Equal(env.now.Add(5*time.Second)) {
		t.Errorf("backoff: failures=%d next=%v", t1.PollFailures, t1.NextPollAt)
	}
}

func TestReconcileUnknownTaskID(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u2", "t1", "ext-1", model.TaskStatusProcessing)

	outcomes := env.reconcile.Reconcile(context.Background(), "u1", []string{"missing", "t1", "missing"})
	if len(outcomes) != 2 {
		t.Fatalf("outcomes: got %d, want 2 after dedupe", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Result != OutcomeError {
			t.Errorf("%s: got %s, want error", o.TaskID, o.Result)
		}
	}
}

func TestReconcileOutstandingReturnsChanged(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusPending)
	env.seedSubmitted("u1", "t2", "ext-2", model.TaskStatusProcessing)
	env.seedSubmitted("u1", "t3", "ext-3", model.TaskStatusCompleted)
	env.fetcher.set("ext-1", &provider.TaskStatus{RawStatus: "running", Progress: "10%"}, nil)
	env.fetcher.set("ext-2", &provider.TaskStatus{RawStatus: "processing"}, nil)

	changed, err := env.reconcile.ReconcileOutstanding(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ReconcileOutstanding: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "t1" {
		t.Errorf("changed: got %+v, want only t1", changed)
	}
	if env.fetcher.calls["ext-3"] != 0 {
		t.Errorf("terminal task polled")
	}
}

func TestReconcileDueSkipsBackedOffTasks(t *testing.T) {
	env := newTestEnv()
	env.seedSubmitted("u1", "t1", "ext-1", model.TaskStatusProcessing)
	env.seedSubmitted("u1", "t2", "ext-2", model.TaskStatusProcessing)
	env.fetcher.set("ext-2", &provider.TaskStatus{RawStatus: "processing"}, nil)

	later := env.now.Add(time.Hour)
	env.db.mu.Lock()
	t1 := env.db.tasks["t1"]
	t1.NextPollAt = &later
	env.db.tasks["t1"] = t1
	env.db.mu.Unlock()

	outcomes, err := env.reconcile.ReconcileDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReconcileDue: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].TaskID != "t2" {
		t.Errorf("outcomes: got %+v, want only t2", outcomes)
	}
}

func TestBackoff(t *testing.T) {
	env := newTestEnv()
	tests := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
		5: time.Minute,
		9: time.Minute,
	}
	for failures, want := range tests {
		if got := env.reconcile.backoff(failures); got != want {
			t.Errorf("backoff(%d): got %v, want %v", failures, got, want)
		}
	}
}
