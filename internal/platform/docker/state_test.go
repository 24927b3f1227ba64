package docker

import (
	"sync"
	"testing"
)

func TestStateRepo_ReserveCommit(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	id := repo.reserve()
	if id != 1 {
		t.Fatalf("Expected first id 1, got %d", id)
	}
	rs, exists := repo.get(id)
	if !exists || rs != nil {
		t.Fatal("Expected reserved slot with nil state")
	}
	if ids := repo.ids(); len(ids) != 0 {
		t.Errorf("Reserved slots are not listed, got %v", ids)
	}

	repo.commit(id, &remoteState{containerID: "c1", jobs: []string{"a", "b"}})
	if got, _ := repo.forJob("b"); got == nil || got.containerID != "c1" {
		t.Errorf("Expected job b to map to c1, got %+v", got)
	}
}

func TestStateRepo_CommitMovesCounter(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()
	repo.commit(41, &remoteState{containerID: "old", jobs: []string{"a"}})

	if id := repo.reserve(); id != 42 {
		t.Errorf("Expected id after reconciled ones, got %d", id)
	}
}

func TestStateRepo_LatestSubmissionWins(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()
	repo.commit(1, &remoteState{containerID: "first", jobs: []string{"a"}})
	repo.commit(2, &remoteState{containerID: "retry", jobs: []string{"a"}})

	if rs, _ := repo.forJob("a"); rs.containerID != "retry" {
		t.Errorf("Expected latest container, got %s", rs.containerID)
	}

	repo.release(2)
	if _, ok := repo.forJob("a"); ok {
		t.Error("Releasing the latest submission should forget the job")
	}
	if _, ok := repo.release(2); ok {
		t.Error("Second release should report missing")
	}
}

func TestStateRepo_Concurrent(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	var wg sync.WaitGroup
	ids := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := repo.reserve()
			repo.commit(id, &remoteState{containerID: "c"})
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(repo.ids()) != 100 {
		t.Errorf("Expected 100 ids, got %d", len(repo.ids()))
	}
}
