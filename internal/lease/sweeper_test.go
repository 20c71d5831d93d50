package lease

import (
	"testing"
	"time"
)

func TestSweeperEvictsDeadLeases(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, time.Minute, testClock(5000))

	r.Add(Lease{ID: "dead", Age: 100, DateCreated: 1000})
	r.Add(Lease{ID: "alive", Age: 0, DateCreated: 1000})

	s.Run()

	if _, ok := r.Find("dead"); ok {
		t.Error("dead lease survived sweep")
	}
	if _, ok := r.Find("alive"); !ok {
		t.Error("live lease evicted")
	}
	if s.LastRun().IsZero() {
		t.Error("last run not recorded")
	}
}

func TestSweeperClearsBackupKeys(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, time.Minute, testClock(5000))

	r.Add(Lease{ID: "client1", Age: 0, Key: "new", BackupKey: "old"})
	s.Run()

	got, _ := r.Find("client1")
	if got.BackupKey != "" {
		t.Error("backup key survived sweep of a live lease")
	}
	if got.Key != "new" {
		t.Error("current key was disturbed")
	}
}

func TestSweeperRespectsPause(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, time.Minute, testClock(5000))

	r.Add(Lease{ID: "dead", Age: 100, DateCreated: 1000})
	s.Pause("dead")
	s.Run()
	if _, ok := r.Find("dead"); !ok {
		t.Fatal("paused lease evicted")
	}

	s.Resume("dead")
	s.Run()
	if _, ok := r.Find("dead"); ok {
		t.Error("lease survived sweep after resume")
	}
}

func TestSweeperAnonymousPauseCoversUnknownLeases(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, time.Minute, testClock(5000))

	r.Add(Lease{ID: "anon1", Age: 100, DateCreated: 1000, Known: false})
	r.Add(Lease{ID: "known1", Age: 100, DateCreated: 1000, Known: true})

	s.Pause(AnonymousID)
	s.Run()

	if _, ok := r.Find("anon1"); !ok {
		t.Error("anonymous pause did not cover unknown lease")
	}
	if _, ok := r.Find("known1"); ok {
		t.Error("known lease should not be covered by anonymous pause")
	}
}

func TestSweeperCleanup(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, time.Minute, testClock(5000))

	r.Add(Lease{ID: "dead", Age: 100, DateCreated: 1000, Known: true})
	s.Cleanup("dead")
	if _, ok := r.Find("dead"); ok {
		t.Error("cleanup did not evict dead lease")
	}

	r.Add(Lease{ID: "anon1", Age: 100, DateCreated: 1000, Known: false})
	r.Add(Lease{ID: "anon2", Age: 0, DateCreated: 1000, Known: false})
	r.Add(Lease{ID: "known2", Age: 100, DateCreated: 1000, Known: true})

	s.Cleanup(AnonymousID)
	if _, ok := r.Find("anon1"); ok {
		t.Error("cleanup of anonymous id missed a dead unknown lease")
	}
	if _, ok := r.Find("anon2"); !ok {
		t.Error("cleanup evicted a live unknown lease")
	}
	if _, ok := r.Find("known2"); !ok {
		t.Error("cleanup of anonymous id touched a known lease")
	}
}

func TestSweeperStartStop(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSweeperWithClock(r, 10*time.Millisecond, testClock(5000))
	r.Add(Lease{ID: "dead", Age: 100, DateCreated: 1000})

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Find("dead"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
}
