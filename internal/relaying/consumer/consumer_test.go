package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/core/timeutil"
	"github.com/vietddude/relayd/internal/infra/queue"
	"github.com/vietddude/relayd/internal/infra/relayer"
	"github.com/vietddude/relayd/internal/infra/storage/memory"
	"github.com/vietddude/relayd/internal/relaying/router"
)

// fakeQueue implements queue.Queue over a preloaded batch, recording deletes
type fakeQueue struct {
	mu      sync.Mutex
	msgs    []queue.Message
	deleted []string
	delErr  error
}

func (q *fakeQueue) Send(ctx context.Context, body []byte) error { return nil }

func (q *fakeQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.msgs
	q.msgs = nil
	return batch, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delErr != nil {
		return q.delErr
	}
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) Size(ctx context.Context) (int64, error) { return 0, nil }

func (q *fakeQueue) deleteCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

// fakeSelector implements Selector with a fixed target
type fakeSelector struct {
	sel         router.Selection
	err         error
	invalidated []string
}

func (s *fakeSelector) SelectEndpoint(ctx context.Context) (router.Selection, error) {
	return s.sel, s.err
}

func (s *fakeSelector) Invalidate(endpoint string) {
	s.invalidated = append(s.invalidated, endpoint)
}

// fakeDispatcher implements Dispatcher, counting calls
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	lastReq  relayer.SendRequest
	lastID   string
	result   string
	err      error
}

func (d *fakeDispatcher) Send(ctx context.Context, endpoint, relayerID string, req relayer.SendRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastReq = req
	d.lastID = relayerID
	if d.err != nil {
		return "", d.err
	}
	return d.result, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// failingRepo wraps the memory repo with an injectable MarkSubmitted failure
type failingRepo struct {
	*memory.TxRepo
	markSubmittedErr error
}

func (r *failingRepo) MarkSubmitted(ctx context.Context, id, externalID, endpoint string) error {
	if r.markSubmittedErr != nil {
		return r.markSubmittedErr
	}
	return r.TxRepo.MarkSubmitted(ctx, id, externalID, endpoint)
}

func seedTx(t *testing.T, repo *memory.TxRepo, id string, status domain.TxStatus) {
	t.Helper()
	err := repo.Create(context.Background(), &domain.Transaction{
		ID:      id,
		Type:    domain.TxTypeDirect,
		Status:  status,
		Request: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if status != domain.TxStatusQueued {
		if err := repo.UpdateStatus(context.Background(), id, status); err != nil {
			t.Fatalf("seed status failed: %v", err)
		}
	}
}

func mainMessage(t *testing.T, id string) queue.Message {
	t.Helper()
	body, err := json.Marshal(domain.QueueMessage{
		TransactionID: id,
		Type:          domain.TxTypeDirect,
		Request:       json.RawMessage(`{"to":"0xabc","data":"0x00","value":"0","gas_limit":21000}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Message{ID: "m-" + id, Body: body, ReceiptHandle: "r-" + id, ReceiveCount: 1}
}

func TestConsumer_DispatchesAndDeletes(t *testing.T) {
	repo := memory.NewTxRepo()
	seedTx(t, repo, "T1", domain.TxStatusQueued)

	q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "T1")}}
	sel := &fakeSelector{sel: router.Selection{Endpoint: "http://r2:8090", RelayerID: "relayer-2"}}
	disp := &fakeDispatcher{result: "oz-1"}

	c := New(q, repo, sel, disp, DefaultConfig())
	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if disp.callCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", disp.callCount())
	}
	if q.deleteCount() != 1 {
		t.Fatalf("expected message deleted, got %d deletes", q.deleteCount())
	}

	tx, _ := repo.GetByID(context.Background(), "T1")
	if tx.Status != domain.TxStatusSubmitted {
		t.Errorf("status = %s, want submitted", tx.Status)
	}
	if tx.ExternalSubmissionID == nil || *tx.ExternalSubmissionID != "oz-1" {
		t.Errorf("externalSubmissionId = %v, want oz-1", tx.ExternalSubmissionID)
	}
	if tx.AssignedEndpoint == nil || *tx.AssignedEndpoint != "http://r2:8090" {
		t.Errorf("assignedEndpoint = %v", tx.AssignedEndpoint)
	}
	// Confirmation fields belong to the webhook path. Never written here.
	if tx.TxHash != nil {
		t.Errorf("tx hash must never be written by the consumer, got %v", *tx.TxHash)
	}
}

func TestConsumer_IdempotencyGate(t *testing.T) {
	repo := memory.NewTxRepo()
	seedTx(t, repo, "T1", domain.TxStatusQueued)
	if err := repo.MarkSubmitted(context.Background(), "T1", "oz-1", "http://r2:8090"); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "T1")}}
	disp := &fakeDispatcher{result: "oz-2"}
	c := New(q, repo, &fakeSelector{}, disp, DefaultConfig())

	// Redeliver several times; zero dispatch calls total, deleted every time.
	for i := 0; i < 3; i++ {
		q.mu.Lock()
		q.msgs = []queue.Message{mainMessage(t, "T1")}
		q.mu.Unlock()
		if err := c.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if disp.callCount() != 0 {
		t.Errorf("expected zero dispatches for an already-submitted transaction, got %d", disp.callCount())
	}
	if q.deleteCount() != 3 {
		t.Errorf("expected message deleted on every redelivery, got %d", q.deleteCount())
	}

	tx, _ := repo.GetByID(context.Background(), "T1")
	if *tx.ExternalSubmissionID != "oz-1" {
		t.Errorf("externalSubmissionId overwritten: %s", *tx.ExternalSubmissionID)
	}
}

func TestConsumer_TerminalStatusDeletesWithoutDispatch(t *testing.T) {
	for _, status := range []domain.TxStatus{domain.TxStatusConfirmed, domain.TxStatusFailed} {
		repo := memory.NewTxRepo()
		seedTx(t, repo, "T1", status)

		q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "T1")}}
		disp := &fakeDispatcher{}
		c := New(q, repo, &fakeSelector{}, disp, DefaultConfig())

		if err := c.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if disp.callCount() != 0 {
			t.Errorf("%s: expected no dispatch", status)
		}
		if q.deleteCount() != 1 {
			t.Errorf("%s: expected delete", status)
		}
	}
}

func TestConsumer_MalformedBodyLeftForRedelivery(t *testing.T) {
	repo := memory.NewTxRepo()
	q := &fakeQueue{msgs: []queue.Message{
		{ID: "bad", Body: []byte("not json"), ReceiptHandle: "r-bad"},
	}}
	disp := &fakeDispatcher{}
	c := New(q, repo, &fakeSelector{}, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("batch loop must not fail on a malformed message: %v", err)
	}
	if q.deleteCount() != 0 {
		t.Error("malformed message must not be deleted")
	}
	if disp.callCount() != 0 {
		t.Error("malformed message must not be dispatched")
	}
}

func TestConsumer_MissingRecordLeftForRedelivery(t *testing.T) {
	repo := memory.NewTxRepo()
	q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "ghost")}}
	disp := &fakeDispatcher{}
	c := New(q, repo, &fakeSelector{}, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.deleteCount() != 0 {
		t.Error("message without a record must be left for redelivery")
	}
	if disp.callCount() != 0 {
		t.Error("message without a record must not be dispatched")
	}
}

func TestConsumer_DispatchFailureLeavesMessageAndInvalidates(t *testing.T) {
	repo := memory.NewTxRepo()
	seedTx(t, repo, "T1", domain.TxStatusQueued)

	q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "T1")}}
	sel := &fakeSelector{sel: router.Selection{Endpoint: "http://r1:8090", RelayerID: "relayer-1"}}
	disp := &fakeDispatcher{err: errors.New("connection refused")}
	c := New(q, repo, sel, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.deleteCount() != 0 {
		t.Error("message must stay for redelivery after dispatch failure")
	}
	if len(sel.invalidated) != 1 || sel.invalidated[0] != "http://r1:8090" {
		t.Errorf("expected failing endpoint invalidated, got %v", sel.invalidated)
	}

	tx, _ := repo.GetByID(context.Background(), "T1")
	if tx.ExternalSubmissionID != nil {
		t.Error("no submission id may be recorded on dispatch failure")
	}
	if tx.Status != domain.TxStatusProcessing {
		t.Errorf("status = %s, want processing (redelivery retries)", tx.Status)
	}
}

func TestConsumer_PersistFailureAfterDispatchKeepsMessage(t *testing.T) {
	repo := &failingRepo{TxRepo: memory.NewTxRepo(), markSubmittedErr: errors.New("db down")}
	seedTx(t, repo.TxRepo, "T1", domain.TxStatusQueued)

	q := &fakeQueue{msgs: []queue.Message{mainMessage(t, "T1")}}
	sel := &fakeSelector{sel: router.Selection{Endpoint: "http://r1:8090", RelayerID: "relayer-1"}}
	disp := &fakeDispatcher{result: "oz-1"}
	c := New(q, repo, sel, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.callCount() != 1 {
		t.Errorf("expected 1 dispatch, got %d", disp.callCount())
	}
	// The message is not deleted without a persisted acknowledgment; the
	// redundant retry is absorbed by the idempotency layer downstream.
	if q.deleteCount() != 0 {
		t.Error("message must not be deleted when persistence fails")
	}
}

func TestConsumer_GaslessTargetsForwarder(t *testing.T) {
	repo := memory.NewTxRepo()
	if err := repo.Create(context.Background(), &domain.Transaction{
		ID:     "T1",
		Type:   domain.TxTypeGasless,
		Status: domain.TxStatusQueued,
	}); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(domain.QueueMessage{
		TransactionID:    "T1",
		Type:             domain.TxTypeGasless,
		Request:          json.RawMessage(`{"data":"0xdead","gas_limit":100000}`),
		ForwarderAddress: "0xf0f0",
	})
	q := &fakeQueue{msgs: []queue.Message{{ID: "m1", Body: body, ReceiptHandle: "r1"}}}
	sel := &fakeSelector{sel: router.Selection{Endpoint: "http://r1:8090", RelayerID: "relayer-1"}}
	disp := &fakeDispatcher{result: "oz-9"}
	c := New(q, repo, sel, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.lastReq.To != "0xf0f0" {
		t.Errorf("gasless dispatch must target the forwarder, got %s", disp.lastReq.To)
	}
	if disp.lastReq.Value != "0" {
		t.Errorf("gasless value = %s, want 0", disp.lastReq.Value)
	}
	if disp.lastReq.Data != "0xdead" {
		t.Errorf("calldata = %s", disp.lastReq.Data)
	}
}

func TestConsumer_BatchSurvivesBadSibling(t *testing.T) {
	repo := memory.NewTxRepo()
	seedTx(t, repo, "T2", domain.TxStatusQueued)

	q := &fakeQueue{msgs: []queue.Message{
		{ID: "bad", Body: []byte("{"), ReceiptHandle: "r-bad"},
		mainMessage(t, "T2"),
	}}
	sel := &fakeSelector{sel: router.Selection{Endpoint: "http://r1:8090", RelayerID: "relayer-1"}}
	disp := &fakeDispatcher{result: "oz-2"}
	c := New(q, repo, sel, disp, DefaultConfig())

	if err := c.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.callCount() != 1 {
		t.Errorf("expected the good sibling dispatched, got %d calls", disp.callCount())
	}

	tx, _ := repo.GetByID(context.Background(), "T2")
	if tx.Status != domain.TxStatusSubmitted {
		t.Errorf("sibling status = %s, want submitted", tx.Status)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	repo := memory.NewTxRepo()
	q := &fakeQueue{}
	c := New(q, repo, &fakeSelector{}, &fakeDispatcher{}, Config{
		BatchSize:    1,
		PollInterval: timeutil.Duration(10 * time.Millisecond),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}
