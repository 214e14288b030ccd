package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/testutil"
)

// ---------------------------------------------------------------------------
// In-memory Store. Each ledger row has its own mutex, held from LockForUpdate
// until the owning transaction commits or rolls back, which gives the same
// serialization as SELECT ... FOR UPDATE. Writes are staged per transaction
// and only become visible on commit.
// ---------------------------------------------------------------------------

type memTxState struct {
	held     []*sync.Mutex
	ledgers  []*models.CreditLedger
	txns     []*models.CreditTransaction
	balances map[uuid.UUID]int64
}

type memStore struct {
	mu         sync.Mutex
	ledgers    map[uuid.UUID]*models.CreditLedger
	txns       map[uuid.UUID][]*models.CreditTransaction
	locks      map[uuid.UUID]*sync.Mutex
	open       map[pgx.Tx]*memTxState
	failInsert error
}

func newMemStore() *memStore {
	return &memStore{
		ledgers: make(map[uuid.UUID]*models.CreditLedger),
		txns:    make(map[uuid.UUID][]*models.CreditTransaction),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		open:    make(map[pgx.Tx]*memTxState),
	}
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	tx := &testutil.Tx{}
	tx.OnCommit = func() { s.finish(tx, true) }
	tx.OnRollback = func() { s.finish(tx, false) }
	s.mu.Lock()
	s.open[tx] = &memTxState{balances: make(map[uuid.UUID]int64)}
	s.mu.Unlock()
	return tx, nil
}

func (s *memStore) finish(tx pgx.Tx, commit bool) {
	s.mu.Lock()
	st, ok := s.open[tx]
	delete(s.open, tx)
	if ok && commit {
		for _, l := range st.ledgers {
			s.ledgers[l.AccountID] = l
		}
		for _, t := range st.txns {
			s.txns[t.LedgerID] = append(s.txns[t.LedgerID], t)
		}
		for id, b := range st.balances {
			for _, l := range s.ledgers {
				if l.ID == id {
					l.Balance = b
				}
			}
		}
	}
	s.mu.Unlock()
	if ok {
		for _, lk := range st.held {
			lk.Unlock()
		}
	}
}

func (s *memStore) state(tx pgx.Tx) *memTxState {
	st, ok := s.open[tx]
	if !ok {
		panic("memStore: unknown or finished transaction")
	}
	return st
}

func (s *memStore) LockForUpdate(_ context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.CreditLedger, bool, error) {
	s.mu.Lock()
	lk, ok := s.locks[accountID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[accountID] = lk
	}
	s.mu.Unlock()

	lk.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tx)
	st.held = append(st.held, lk)
	l, ok := s.ledgers[accountID]
	if !ok {
		l = &models.CreditLedger{ID: uuid.New(), AccountID: accountID, CreatedAt: time.Now()}
		st.ledgers = append(st.ledgers, l)
	}
	cp := *l
	return &cp, !ok, nil
}

func (s *memStore) InsertTransaction(_ context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return s.failInsert
	}
	t.CreatedAt = time.Now()
	cp := *t
	st := s.state(tx)
	st.txns = append(st.txns, &cp)
	return nil
}

func (s *memStore) UpdateBalance(_ context.Context, tx pgx.Tx, ledgerID uuid.UUID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(tx).balances[ledgerID] = balance
	return nil
}

func (s *memStore) GetByAccountID(_ context.Context, accountID uuid.UUID) (*models.CreditLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[accountID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) ListTransactions(_ context.Context, ledgerID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.txns[ledgerID]
	var out []*models.CreditTransaction
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SumTransactions(_ context.Context, ledgerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, t := range s.txns[ledgerID] {
		sum += t.Type.Signed(t.Amount)
	}
	return sum, nil
}

func (s *memStore) openTxs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func mustApply(t *testing.T, svc Service, acc uuid.UUID, amount int64, typ models.TransactionType) *Result {
	t.Helper()
	res, err := svc.Apply(context.Background(), acc, amount, typ, "")
	if err != nil {
		t.Fatalf("Apply(%d %s): %v", amount, typ, err)
	}
	return res
}

func assertBalance(t *testing.T, svc Service, acc uuid.UUID, want int64) {
	t.Helper()
	got, err := svc.Balance(context.Background(), acc)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got != want {
		t.Fatalf("balance = %d, want %d", got, want)
	}
}

func assertReconciled(t *testing.T, svc Service, acc uuid.UUID) {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), acc)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Drift != 0 {
		t.Fatalf("balance %d drifted from log sum %d", rec.Balance, rec.LogSum)
	}
}

// ---------------------------------------------------------------------------
// 1. Earn then spend until the balance would go negative
// ---------------------------------------------------------------------------

func TestApply_EarnSpendReject(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, 0)
	acc := uuid.New()

	if res := mustApply(t, svc, acc, 50, models.TxEarned); res.Balance != 50 {
		t.Fatalf("after earn: %d", res.Balance)
	}
	if res := mustApply(t, svc, acc, 30, models.TxSpent); res.Balance != 20 {
		t.Fatalf("after spend: %d", res.Balance)
	}

	_, err := svc.Apply(context.Background(), acc, 25, models.TxSpent, "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}

	assertBalance(t, svc, acc, 20)
	hist, err := svc.History(context.Background(), acc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("rejected spend must not be logged; got %d entries", len(hist))
	}
	if hist[0].Type != models.TxSpent || hist[1].Type != models.TxEarned {
		t.Fatalf("history not newest first: %s, %s", hist[0].Type, hist[1].Type)
	}
	assertReconciled(t, svc, acc)
	if n := store.openTxs(); n != 0 {
		t.Fatalf("%d transactions left open", n)
	}
}

// ---------------------------------------------------------------------------
// 2. A new ledger is seeded with the starting balance as a GIFTED entry
// ---------------------------------------------------------------------------

func TestApply_SeedsStartingBalance(t *testing.T) {
	svc := NewService(newMemStore(), 10)
	acc := uuid.New()

	res := mustApply(t, svc, acc, 4, models.TxSpent)
	if res.Balance != 6 {
		t.Fatalf("balance = %d, want 6", res.Balance)
	}

	hist, _ := svc.History(context.Background(), acc, 10)
	if len(hist) != 2 {
		t.Fatalf("want seed + spend, got %d entries", len(hist))
	}
	seed := hist[1]
	if seed.Type != models.TxGifted || seed.Amount != 10 || seed.Description != "starting balance" {
		t.Fatalf("unexpected seed entry %+v", seed)
	}
	assertReconciled(t, svc, acc)

	// Only the first write seeds.
	mustApply(t, svc, acc, 1, models.TxEarned)
	assertBalance(t, svc, acc, 7)
}

func TestApply_RejectedFirstSpendLeavesNoLedger(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, 10)
	acc := uuid.New()

	_, err := svc.Apply(context.Background(), acc, 11, models.TxSpent, "")
	if apperr.KindOf(err) != apperr.KindInsufficientCredits {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}
	if l, _ := store.GetByAccountID(context.Background(), acc); l != nil {
		t.Fatal("rolled back transaction must not create the ledger")
	}
	assertBalance(t, svc, acc, 0)
}

// ---------------------------------------------------------------------------
// 3. Input validation
// ---------------------------------------------------------------------------

func TestApply_RejectsInvalidInput(t *testing.T) {
	svc := NewService(newMemStore(), 0)
	acc := uuid.New()

	cases := []struct {
		name   string
		amount int64
		typ    models.TransactionType
	}{
		{"zero amount", 0, models.TxEarned},
		{"negative amount", -5, models.TxEarned},
		{"unknown type", 5, models.TransactionType("BOGUS")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Apply(context.Background(), acc, tc.amount, tc.typ, "")
			if apperr.KindOf(err) != apperr.KindInvalidInput {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
		})
	}
	assertBalance(t, svc, acc, 0)
}

func TestApply_CreditCannotOverflowBalance(t *testing.T) {
	svc := NewService(newMemStore(), 10)
	acc := uuid.New()

	_, err := svc.Apply(context.Background(), acc, math.MaxInt64, models.TxGifted, "")
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	assertBalance(t, svc, acc, 0)

	res := mustApply(t, svc, acc, math.MaxInt64-10, models.TxGifted)
	if res.Balance != math.MaxInt64 {
		t.Fatalf("balance: %d", res.Balance)
	}
	if _, err := svc.Apply(context.Background(), acc, 1, models.TxEarned, ""); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected InvalidInput at the ceiling, got %v", err)
	}
	res = mustApply(t, svc, acc, 1, models.TxSpent)
	if res.Balance != math.MaxInt64-1 {
		t.Fatalf("spend at the ceiling: %d", res.Balance)
	}
}

// ---------------------------------------------------------------------------
// 4. Concurrent spends on one account serialize; none overdraw
// ---------------------------------------------------------------------------

func TestApply_ConcurrentSpendsSerialize(t *testing.T) {
	svc := NewService(newMemStore(), 0)
	acc := uuid.New()
	mustApply(t, svc, acc, 100, models.TxEarned)

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Apply(context.Background(), acc, 10, models.TxSpent, "parallel")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || rejected != workers-10 {
		t.Fatalf("succeeded=%d rejected=%d, want 10/%d", succeeded, rejected, workers-10)
	}
	assertBalance(t, svc, acc, 0)
	assertReconciled(t, svc, acc)
}

func TestApply_ConcurrentFirstWritesSeedOnce(t *testing.T) {
	svc := NewService(newMemStore(), 10)
	acc := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Apply(context.Background(), acc, 1, models.TxEarned, ""); err != nil {
				t.Errorf("Apply: %v", err)
			}
		}()
	}
	wg.Wait()

	assertBalance(t, svc, acc, 18)
	assertReconciled(t, svc, acc)
}

// ---------------------------------------------------------------------------
// 5. Failures roll back
// ---------------------------------------------------------------------------

func TestApply_StoreFailureLeavesStateUnchanged(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, 0)
	acc := uuid.New()
	mustApply(t, svc, acc, 40, models.TxEarned)

	store.failInsert = errors.New("disk full")
	_, err := svc.Apply(context.Background(), acc, 5, models.TxSpent, "")
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	store.failInsert = nil

	assertBalance(t, svc, acc, 40)
	assertReconciled(t, svc, acc)
}

func TestApplyTx_CallerOwnsTheTransaction(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, 0)
	acc := uuid.New()
	mustApply(t, svc, acc, 10, models.TxEarned)

	tx, _ := store.Begin(context.Background())
	res, err := svc.ApplyTx(context.Background(), tx, acc, 10, models.TxPlanCredits, "redeem code")
	if err != nil {
		t.Fatal(err)
	}
	if res.Balance != 20 {
		t.Fatalf("in-tx balance = %d", res.Balance)
	}
	_ = tx.Rollback(context.Background())

	assertBalance(t, svc, acc, 10)
}

// ---------------------------------------------------------------------------
// 6. Reads on accounts without a ledger
// ---------------------------------------------------------------------------

func TestReads_NoLedger(t *testing.T) {
	svc := NewService(newMemStore(), 10)
	acc := uuid.New()

	assertBalance(t, svc, acc, 0)
	hist, err := svc.History(context.Background(), acc, 5)
	if err != nil || hist == nil || len(hist) != 0 {
		t.Fatalf("History = %v, %v; want empty slice", hist, err)
	}
	rec, err := svc.Reconcile(context.Background(), acc)
	if err != nil || rec.Drift != 0 || rec.AccountID != acc {
		t.Fatalf("Reconcile = %+v, %v", rec, err)
	}
}

func TestHistory_RespectsLimit(t *testing.T) {
	svc := NewService(newMemStore(), 0)
	acc := uuid.New()
	for i := 0; i < 5; i++ {
		mustApply(t, svc, acc, 1, models.TxEarned)
	}
	hist, _ := svc.History(context.Background(), acc, 3)
	if len(hist) != 3 {
		t.Fatalf("got %d entries, want 3", len(hist))
	}
}
