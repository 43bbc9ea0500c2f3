package store

import (
	"path/filepath"
	"testing"
)

func openTestFriendStore(t *testing.T) *FriendStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "friends.db")
	s, err := OpenFriendStore(path)
	if err != nil {
		t.Fatalf("OpenFriendStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndListFriends(t *testing.T) {
	s := openTestFriendStore(t)
	if err := s.AddFriend(Friend{PublicID: "alice", Nickname: "Alice", AddedAt: 1}); err != nil {
		t.Fatalf("AddFriend: %v", err)
	}
	if err := s.AddFriend(Friend{PublicID: "bob", AddedAt: 2}); err != nil {
		t.Fatalf("AddFriend: %v", err)
	}
	ids, err := s.AllFriendIDs()
	if err != nil {
		t.Fatalf("AllFriendIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 friend ids, got %d", len(ids))
	}
}

func TestRemoveFriend(t *testing.T) {
	s := openTestFriendStore(t)
	if err := s.AddFriend(Friend{PublicID: "alice"}); err != nil {
		t.Fatalf("AddFriend: %v", err)
	}
	if err := s.RemoveFriend("alice"); err != nil {
		t.Fatalf("RemoveFriend: %v", err)
	}
	ids, err := s.AllFriendIDs()
	if err != nil {
		t.Fatalf("AllFriendIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected 0 friends after removal, got %d", len(ids))
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTestFriendStore(t)
	if _, found, err := s.GetIdentity(); err != nil || found {
		t.Fatalf("expected no identity initially: found=%v err=%v", found, err)
	}
	id := Identity{PublicKey: []byte{1, 2, 3}, PrivateKey: []byte{4, 5, 6}}
	if err := s.SetIdentity(id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	got, found, err := s.GetIdentity()
	if err != nil || !found {
		t.Fatalf("GetIdentity: found=%v err=%v", found, err)
	}
	if string(got.PublicKey) != string(id.PublicKey) || string(got.PrivateKey) != string(id.PrivateKey) {
		t.Fatalf("identity mismatch: got %+v", got)
	}
}
