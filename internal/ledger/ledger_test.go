package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"X402-Agent/internal/web3"
)

func TestMemoryRepositoryPersistsAndReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.Save(ctx, Record{ID: id, EndpointID: "qr_generator", Amount: "0.01", Status: StatusSettled, CreatedAt: int64(i)}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := repo.UpdateStatus(ctx, "b", StatusVerified); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", StatusVerified); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	reloaded, err := NewMemoryRepository(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	list, err := reloaded.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[1].ID != "b" || list[1].Status != StatusVerified {
		t.Fatalf("unexpected records after reload: %+v", list)
	}
	if limited, _ := reloaded.ListLatest(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestSQLRepositoryWithSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := SQLConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")}
	repo, err := NewSQLRepository(ctx, cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer repo.Close()

	rec := Record{
		ID:          "11111111-1111-1111-1111-111111111111",
		EndpointID:  "qr_generator",
		TxHash:      "0xabc",
		Amount:      "0.01",
		Currency:    "USDC",
		Network:     "base",
		ExplorerURL: "https://basescan.org/tx/0xabc",
		Status:      StatusSettled,
		CreatedAt:   100,
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, Record{ID: "2", EndpointID: "gif_search", Amount: "0.02", Currency: "USDC", Network: "base", Status: StatusAtRisk, Detail: "timeout", CreatedAt: 200}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.UpdateStatus(ctx, rec.ID, StatusVerified); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "nope", StatusVerified); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := repo.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "2" || list[0].Detail != "timeout" {
		t.Fatalf("unexpected ordering: %+v", list)
	}
	if list[1].Status != StatusVerified || list[1].ExplorerURL != rec.ExplorerURL {
		t.Fatalf("unexpected record: %+v", list[1])
	}

	// Migrations are tracked, so reopening must not fail on existing indexes.
	again, err := NewSQLRepository(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestOpenDatabaseRejectsUnknownDriver(t *testing.T) {
	if _, err := openDatabase(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := openDatabase(context.Background(), SQLConfig{Driver: "mysql"}); err == nil {
		t.Fatal("expected missing DSN error")
	}
}

type stubPublisher struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
}

func (s *stubPublisher) Publish(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

type stubVerifier struct {
	mu       sync.Mutex
	statuses []web3.ReceiptStatus
	calls    int
}

func (s *stubVerifier) Verify(_ context.Context, _, hash string) (web3.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.statuses[len(s.statuses)-1]
	if s.calls < len(s.statuses) {
		status = s.statuses[s.calls]
	}
	s.calls++
	return web3.Receipt{TxHash: hash, Status: status}, nil
}

func TestRecorderRecordsPublishesAndVerifies(t *testing.T) {
	repo, err := NewMemoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	pub := &stubPublisher{}
	verifier := &stubVerifier{statuses: []web3.ReceiptStatus{web3.ReceiptPending, web3.ReceiptSuccess}}
	rec := NewRecorder(repo, WithPublisher(pub), WithVerifier(verifier, 3, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	record, err := rec.Record(ctx, Entry{
		ConversationID: "conv-1",
		EndpointID:     "qr_generator",
		TxHash:         "0xabc",
		Amount:         "0.01",
		Currency:       "USDC",
		Network:        "base",
	})
	if err != nil {
		t.Fatalf("record should succeed even with a cancelled caller: %v", err)
	}
	if record.ExplorerURL != "https://basescan.org/tx/0xabc" || record.Status != StatusSettled || record.ID == "" {
		t.Fatalf("unexpected record %+v", record)
	}
	rec.Wait()

	list, _ := rec.Recent(context.Background(), 1)
	if len(list) != 1 || list[0].Status != StatusVerified {
		t.Fatalf("expected verified record, got %+v", list)
	}
	if len(pub.records) != 1 || pub.records[0].ID != record.ID {
		t.Fatalf("expected one published record, got %+v", pub.records)
	}
	if verifier.calls != 2 {
		t.Fatalf("expected a retry while pending, got %d calls", verifier.calls)
	}
	if err := rec.Close(); err != nil || !pub.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestRecorderAtRiskEntriesSkipVerification(t *testing.T) {
	repo, _ := NewMemoryRepository(t.TempDir())
	pub := &stubPublisher{err: errors.New("broker down")}
	verifier := &stubVerifier{statuses: []web3.ReceiptStatus{web3.ReceiptSuccess}}
	rec := NewRecorder(repo, WithPublisher(pub), WithVerifier(verifier, 1, time.Millisecond))

	record, err := rec.Record(context.Background(), Entry{EndpointID: "gif_search", Amount: "0.02", Network: "base", AtRisk: true, Detail: "SETTLEMENT_TIMEOUT"})
	if err != nil {
		t.Fatalf("publisher failure must not fail the record: %v", err)
	}
	rec.Wait()
	if record.Status != StatusAtRisk || record.ExplorerURL != "" || verifier.calls != 0 {
		t.Fatalf("unexpected at-risk handling: %+v calls=%d", record, verifier.calls)
	}
}
