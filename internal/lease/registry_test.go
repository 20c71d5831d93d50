package lease

import (
	"errors"
	"testing"
	"time"
)

func testClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0).UTC() }
}

func TestRegistryAddFindRemove(t *testing.T) {
	r := NewRegistry(nil)
	l := Lease{ID: "client1", Key: "aabb", Age: 3600, DateCreated: 1000}
	if !r.Add(l) {
		t.Fatal("add failed")
	}
	if r.Add(l) {
		t.Error("duplicate add succeeded")
	}

	got, ok := r.Find("client1")
	if !ok {
		t.Fatal("find failed")
	}
	if got.Key != "aabb" || got.Age != 3600 {
		t.Errorf("unexpected lease %+v", got)
	}

	// Mutating the copy must not affect the stored lease.
	got.Key = "tampered"
	again, _ := r.Find("client1")
	if again.Key != "aabb" {
		t.Error("Find returned a live reference, not a copy")
	}

	r.Remove("client1")
	if _, ok := r.Find("client1"); ok {
		t.Error("lease still present after remove")
	}
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(Lease{ID: "client1", Key: "old", Age: 300})

	if r.Update(Lease{ID: "missing"}) {
		t.Error("update of missing lease succeeded")
	}
	if !r.Update(Lease{ID: "client1", Key: "new", BackupKey: "old", Age: 3600, Acknowledged: true}) {
		t.Fatal("update failed")
	}
	got, _ := r.Find("client1")
	if got.Key != "new" || got.BackupKey != "old" || !got.Acknowledged || got.Age != 3600 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestRegistryTokens(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(Lease{ID: "client1"})

	if r.AddToken("missing", "billing", Token{Data: "x"}) {
		t.Error("token attached to missing lease")
	}
	if !r.AddToken("client1", "billing", Token{Data: "11111111", Age: 60, DateCreated: 1000}) {
		t.Fatal("add token failed")
	}

	if !r.HasValidToken("client1", "billing", "11111111", 1030) {
		t.Error("valid token rejected")
	}
	if r.HasValidToken("client1", "billing", "22222222", 1030) {
		t.Error("unknown payload accepted")
	}
	if r.HasValidToken("client1", "other", "11111111", 1030) {
		t.Error("token accepted for the wrong logger")
	}

	// An expired match is removed so a later replay also fails.
	if r.HasValidToken("client1", "billing", "11111111", 2000) {
		t.Error("expired token accepted")
	}
	if r.HasValidToken("client1", "billing", "11111111", 1030) {
		t.Error("expired token should have been removed")
	}
}

func TestRegistryRemoveToken(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(Lease{ID: "client1"})
	r.AddToken("client1", "billing", Token{Data: "11111111", Age: 0})
	r.AddToken("client1", "billing", Token{Data: "22222222", Age: 0})

	r.RemoveToken("client1", "billing", "11111111")
	if r.HasValidToken("client1", "billing", "11111111", 1000) {
		t.Error("removed token still valid")
	}
	if !r.HasValidToken("client1", "billing", "22222222", 1000) {
		t.Error("unrelated token removed")
	}
}

func TestRegistrySessionsAndBytes(t *testing.T) {
	r := NewRegistryWithClock(nil, testClock(1000))
	r.Join("sess1")
	r.Join("sess2")
	if r.SessionCount() != 2 {
		t.Errorf("expected 2 sessions, got %d", r.SessionCount())
	}
	r.Leave("sess1")
	if r.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", r.SessionCount())
	}

	r.AddBytesReceived(100)
	r.AddBytesSent(40)
	r.AddBytesReceived(10)
	recv, sent := r.Bytes()
	if recv != 110 || sent != 40 {
		t.Errorf("unexpected counters %d/%d", recv, sent)
	}
}

func TestRegistryReset(t *testing.T) {
	reloaded := false
	r := NewRegistry(func() error { reloaded = true; return nil })
	r.Add(Lease{ID: "client1"})
	r.Join("sess1")
	r.AddBytesReceived(10)

	if err := r.Reset(); err != nil {
		t.Fatal(err)
	}
	if !reloaded {
		t.Error("reset did not invoke reload")
	}
	if _, ok := r.Find("client1"); ok {
		t.Error("lease survived reset")
	}
	if r.SessionCount() != 0 {
		t.Error("sessions survived reset")
	}
	if recv, sent := r.Bytes(); recv != 0 || sent != 0 {
		t.Error("counters survived reset")
	}
}

func TestRegistryResetReloadFailure(t *testing.T) {
	r := NewRegistry(func() error { return errors.New("bad config") })
	r.Add(Lease{ID: "client1"})
	if err := r.Reset(); err == nil {
		t.Fatal("expected reload error")
	}
	// On reload failure the lease table stays intact.
	if _, ok := r.Find("client1"); !ok {
		t.Error("lease cleared despite failed reload")
	}
}
