package service

import (
	"context"
	"sync"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/provider"
	"gensystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// memDB 内存版存储，事务串行执行，出错时整体回滚
type memDB struct {
	txMu sync.Mutex
	mu   sync.Mutex

	wallets      map[string]model.Wallet
	transactions []model.LedgerTransaction
	tasks        map[string]model.Task
	taskOrder    []string
	outbox       []model.OutboxMessage

	failTaskCreate error
}

func newMemDB() *memDB {
	return &memDB{
		wallets: make(map[string]model.Wallet),
		tasks:   make(map[string]model.Task),
	}
}

type memSnapshot struct {
	wallets      map[string]model.Wallet
	transactions []model.LedgerTransaction
	tasks        map[string]model.Task
	taskOrder    []string
	outbox       []model.OutboxMessage
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		wallets:      make(map[string]model.Wallet, len(db.wallets)),
		transactions: append([]model.LedgerTransaction(nil), db.transactions...),
		tasks:        make(map[string]model.Task, len(db.tasks)),
		taskOrder:    append([]string(nil), db.taskOrder...),
		outbox:       append([]model.OutboxMessage(nil), db.outbox...),
	}
	for k, v := range db.wallets {
		s.wallets[k] = v
	}
	for k, v := range db.tasks {
		s.tasks[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.wallets = s.wallets
	db.transactions = s.transactions
	db.tasks = s.tasks
	db.taskOrder = s.taskOrder
	db.outbox = s.outbox
}

func (db *memDB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	snap := db.snapshot()
	if err := fn(nil); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

func (db *memDB) seedWallet(userID string, balance int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.wallets[userID] = model.Wallet{UserID: userID, Balance: balance}
}

func (db *memDB) balance(userID string) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.wallets[userID].Balance
}

func (db *memDB) seedTask(task model.Task) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tasks[task.ID] = task
	db.taskOrder = append(db.taskOrder, task.ID)
}

func (db *memDB) task(id string) (model.Task, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	return t, ok
}

func (db *memDB) taskCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tasks)
}

func (db *memDB) childrenOf(parentID string) []model.Task {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.Task
	for _, id := range db.taskOrder {
		t := db.tasks[id]
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, t)
		}
	}
	return out
}

func (db *memDB) transactionsOf(ref, txType string) []model.LedgerTransaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.LedgerTransaction
	for _, t := range db.transactions {
		if t.ReferenceID != nil && *t.ReferenceID == ref && t.Type == txType {
			out = append(out, t)
		}
	}
	return out
}

func (db *memDB) outboxEvents() []model.OutboxMessage {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.OutboxMessage(nil), db.outbox...)
}

// ----- WalletStore -----

type memWallets struct{ db *memDB }

func (w memWallets) Create(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error {
	w.db.mu.Lock()
	defer w.db.mu.Unlock()
	if _, ok := w.db.wallets[wallet.UserID]; ok {
		return repository.ErrWalletExists
	}
	w.db.wallets[wallet.UserID] = *wallet
	return nil
}

func (w memWallets) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	w.db.mu.Lock()
	defer w.db.mu.Unlock()
	wallet, ok := w.db.wallets[userID]
	if !ok {
		return nil, repository.ErrWalletNotFound
	}
	return &wallet, nil
}

func (w memWallets) Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error {
	w.db.mu.Lock()
	defer w.db.mu.Unlock()
	wallet, ok := w.db.wallets[userID]
	if !ok {
		return repository.ErrWalletNotFound
	}
	if wallet.Balance < amount {
		return repository.ErrBalanceNotEnough
	}
	if wallet.Version != version {
		return repository.ErrOptimisticLock
	}
	wallet.Balance -= amount
	wallet.Version++
	w.db.wallets[userID] = wallet
	return nil
}

func (w memWallets) Increase(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error {
	w.db.mu.Lock()
	defer w.db.mu.Unlock()
	wallet, ok := w.db.wallets[userID]
	if !ok {
		return repository.ErrWalletNotFound
	}
	if wallet.Version != version {
		return repository.ErrOptimisticLock
	}
	wallet.Balance += amount
	wallet.Version++
	w.db.wallets[userID] = wallet
	return nil
}

// ----- TransactionStore -----

type memTransactions struct{ db *memDB }

func (s memTransactions) Create(ctx context.Context, tx *gorm.DB, trans *model.LedgerTransaction) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if trans.DedupKey != nil {
		for _, t := range s.db.transactions {
			if t.DedupKey != nil && *t.DedupKey == *trans.DedupKey {
				return repository.ErrDuplicateTransaction
			}
		}
	}
	trans.CreatedAt = time.Now()
	s.db.transactions = append(s.db.transactions, *trans)
	return nil
}

func (s memTransactions) GetByDedupKey(ctx context.Context, tx *gorm.DB, dedupKey string) (*model.LedgerTransaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.transactions {
		if t.DedupKey != nil && *t.DedupKey == dedupKey {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (s memTransactions) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var all []*model.LedgerTransaction
	for i := len(s.db.transactions) - 1; i >= 0; i-- {
		if s.db.transactions[i].UserID == userID {
			t := s.db.transactions[i]
			all = append(all, &t)
		}
	}
	return paginate(all, page, pageSize), int64(len(all)), nil
}

func (s memTransactions) ListByReference(ctx context.Context, referenceID string) ([]*model.LedgerTransaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.LedgerTransaction
	for _, t := range s.db.transactions {
		if t.ReferenceID != nil && *t.ReferenceID == referenceID {
			found := t
			out = append(out, &found)
		}
	}
	return out, nil
}

// ----- TaskRepository -----

type memTasks struct{ db *memDB }

func (s memTasks) Create(ctx context.Context, tx *gorm.DB, task *model.Task) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.failTaskCreate != nil {
		return s.db.failTaskCreate
	}
	if _, ok := s.db.tasks[task.ID]; ok {
		return repository.ErrDuplicateTask
	}
	if task.ExternalTaskID != nil {
		for _, t := range s.db.tasks {
			if t.ExternalTaskID != nil && *t.ExternalTaskID == *task.ExternalTaskID {
				return repository.ErrDuplicateTask
			}
		}
	}
	task.CreatedAt = time.Now()
	s.db.tasks[task.ID] = *task
	s.db.taskOrder = append(s.db.taskOrder, task.ID)
	return nil
}

func (s memTasks) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	return &t, nil
}

func (s memTasks) GetByExternalID(ctx context.Context, tx *gorm.DB, userID, externalID string) (*model.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.tasks {
		if t.UserID == userID && t.ExternalTaskID != nil && *t.ExternalTaskID == externalID {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (s memTasks) ApplyUpdate(ctx context.Context, tx *gorm.DB, id string, fromStatus string, upd *model.TaskUpdate) error {
	if !model.CanTransitionTo(fromStatus, upd.Status) {
		return repository.ErrTaskStatusInvalid
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok || t.Status != fromStatus {
		return repository.ErrTaskStateConflict
	}
	upd.ApplyTo(&t)
	s.db.tasks[id] = t
	return nil
}

func (s memTasks) RecordPollFailure(ctx context.Context, id string, polledAt, nextPollAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok || t.IsTerminal() {
		return nil
	}
	t.PollFailures++
	t.LastPolledAt = &polledAt
	t.NextPollAt = &nextPollAt
	s.db.tasks[id] = t
	return nil
}

func (s memTasks) ListChildren(ctx context.Context, tx *gorm.DB, parentID string) ([]*model.Task, error) {
	return s.filter(func(t *model.Task) bool {
		return t.ParentTaskID != nil && *t.ParentTaskID == parentID
	}), nil
}

func (s memTasks) ListOutstandingByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	out := s.filter(func(t *model.Task) bool {
		return t.UserID == userID && !t.IsSibling() && !t.IsTerminal()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memTasks) ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	out := s.filter(func(t *model.Task) bool {
		return !t.IsSibling() && !t.IsTerminal() && t.ExternalTaskID != nil &&
			(t.NextPollAt == nil || !t.NextPollAt.After(now))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memTasks) CountActive(ctx context.Context, userID string) (int64, error) {
	out := s.filter(func(t *model.Task) bool {
		return t.UserID == userID && !t.IsSibling() && !t.IsTerminal()
	})
	return int64(len(out)), nil
}

func (s memTasks) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Task, int64, error) {
	all := s.filter(func(t *model.Task) bool { return t.UserID == userID })
	return paginate(all, page, pageSize), int64(len(all)), nil
}

func (s memTasks) filter(keep func(t *model.Task) bool) []*model.Task {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.Task
	for _, id := range s.db.taskOrder {
		t, ok := s.db.tasks[id]
		if ok && keep(&t) {
			out = append(out, &t)
		}
	}
	return out
}

// ----- OutboxWriter -----

type memOutbox struct{ db *memDB }

func (s memOutbox) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	msg.ID = int64(len(s.db.outbox) + 1)
	s.db.outbox = append(s.db.outbox, *msg)
	return nil
}

func paginate[T any](all []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// ----- provider -----

type fakeGenerator struct {
	mu     sync.Mutex
	id     string
	err    error
	calls  int
	params []provider.GenerateParams
}

func (g *fakeGenerator) Submit(ctx context.Context, p provider.GenerateParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.params = append(g.params, p)
	if g.err != nil {
		return "", g.err
	}
	return g.id, nil
}

type fetchResult struct {
	status *provider.TaskStatus
	err    error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: make(map[string]fetchResult), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(externalID string, status *provider.TaskStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[externalID] = fetchResult{status: status, err: err}
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, externalID string) (*provider.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[externalID]++
	r, ok := f.results[externalID]
	if !ok {
		return nil, provider.ErrProviderError
	}
	if r.err != nil {
		return nil, r.err
	}
	// 每次返回新的副本，和真实的 HTTP 响应一致
	cp := *r.status
	cp.Artifacts = append([]provider.Artifact(nil), r.status.Artifacts...)
	return &cp, nil
}

type fakeGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	err      error
	released []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{claimed: make(map[string]bool)}
}

func (g *fakeGuard) Claim(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, key)
	g.released = append(g.released, key)
	return nil
}

// ----- wiring -----

const testCost = 5

type testEnv struct {
	db        *memDB
	ledger    *LedgerService
	tasks     *TaskStore
	gen       *GenerationService
	reconcile *ReconcileService
	generator *fakeGenerator
	fetcher   *fakeFetcher
	guard     *fakeGuard
	now       time.Time
}

func newTestEnv() *testEnv {
	db := newMemDB()
	logger := zap.NewNop()

	ledger := NewLedgerService(db, memWallets{db}, memTransactions{db}, LedgerOptions{
		InitialBalance: 0,
		MaxRetries:     50,
		RetryBackoff:   time.Microsecond,
	}, logger)
	tasks := NewTaskStore(memTasks{db})
	generator := &fakeGenerator{id: "ext-1"}
	fetcher := newFakeFetcher()
	guard := newFakeGuard()

	gen := NewGenerationService(db, ledger, tasks, memOutbox{db}, generator, guard, GenerationOptions{
		Cost:            testCost,
		MaxActiveTasks:  3,
		MaxPromptLength: 100,
		TaskTopic:       "task_events",
	}, logger)

	refunds := NewRefundCoordinator(ledger, testCost, logger)
	rec := NewReconcileService(db, tasks, fetcher, refunds, memOutbox{db}, ReconcileOptions{
		Workers:      4,
		BackoffBase:  5 * time.Second,
		BackoffMax:   time.Minute,
		MaxRetries:   50,
		RetryBackoff: time.Microsecond,
		TaskTopic:    "task_events",
	}, logger)

	env := &testEnv{
		db:        db,
		ledger:    ledger,
		tasks:     tasks,
		gen:       gen,
		reconcile: rec,
		generator: generator,
		fetcher:   fetcher,
		guard:     guard,
		now:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	rec.now = func() time.Time { return env.now }
	return env
}

// seedSubmitted 模拟一次已扣费、已提交的生成，返回主任务
func (e *testEnv) seedSubmitted(userID, taskID, externalID, status string) model.Task {
	ref := taskID
	e.db.mu.Lock()
	e.db.transactions = append(e.db.transactions, model.LedgerTransaction{
		ID:          "CSM-" + taskID,
		UserID:      userID,
		Amount:      -testCost,
		Type:        model.TransactionTypeConsume,
		ReferenceID: &ref,
	})
	e.db.mu.Unlock()

	ext := externalID
	task := model.Task{
		ID:             taskID,
		UserID:         userID,
		ExternalTaskID: &ext,
		Prompt:         "lofi beats",
		Title:          "Rain",
		ModelVersion:   "V4_5",
		Status:         status,
		Cost:           testCost,
	}
	e.db.seedTask(task)
	return task
}
