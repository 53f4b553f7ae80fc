package integration

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/branchmind/branchmind-core/internal/mesh"
	"github.com/branchmind/branchmind-core/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "race_test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Concurrent claims on one QUEUED job: exactly one runner wins, the rest
// see a precondition failure, and the job ends RUNNING under the winner.
func TestConcurrentJobClaimSingleWinner(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-race", "/repo"); err != nil {
		t.Fatalf("WorkspaceInit: %v", err)
	}
	job, err := s.JobCreate("ws-race", "contested job", "prompt", "codex_cli", store.PriorityMedium, "", "", "")
	if err != nil {
		t.Fatalf("JobCreate: %v", err)
	}

	const runners = 8
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := s.JobClaim(job.ID, fmt.Sprintf("runner-%d", n), 60_000); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
	after, err := s.JobGet(job.ID)
	if err != nil {
		t.Fatalf("JobGet: %v", err)
	}
	if after.Status != store.JobRunning {
		t.Fatalf("job should be RUNNING after the race, got %s", after.Status)
	}
}

// Concurrent publishes sharing an idempotency key collapse to one mesh
// message; distinct keys each land, and the thread stays dense.
func TestConcurrentMeshPublishIdempotency(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-race", "/repo"); err != nil {
		t.Fatalf("WorkspaceInit: %v", err)
	}
	bus := mesh.New(s)
	const writers = 8

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bus.PublishGateDecision("ws-race", "TASK-0001", "SLC-001", "approve", "gate approved", "{}", ""); err != nil {
				t.Errorf("publish: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := s.JobBusPull("ws-race", "pipeline/TASK-0001/SLC-001", 0, 100)
	if err != nil {
		t.Fatalf("JobBusPull: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("idempotent publishes should collapse to one message, got %d", len(msgs))
	}
	if msgs[0].Seq != 1 {
		t.Fatalf("single message should have seq 1, got %d", msgs[0].Seq)
	}
}

// Concurrent doc appends across goroutines still produce a dense monotonic
// per-(branch,doc) sequence with no gaps or duplicates.
func TestConcurrentDocAppendDenseSeq(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-race", "/repo"); err != nil {
		t.Fatalf("WorkspaceInit: %v", err)
	}

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := s.DocAppend("ws-race", "main", "notes", "note", "", fmt.Sprintf("writer %d entry %d", n, j), "", ""); err != nil {
					t.Errorf("DocAppend: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.DocEntriesSince("ws-race", "main", "notes", 0, writers*perWriter+10)
	if err != nil {
		t.Fatalf("DocEntriesSince: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("doc seq not dense: position %d has seq %d", i, e.Seq)
		}
	}
}
