package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rangzen-mesh/core/internal/clock"
)

func openTestMessageStore(t *testing.T, clk clock.Clock) *MessageStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := OpenMessageStore(path, clk, nil)
	if err != nil {
		t.Fatalf("OpenMessageStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)

	msg := Message{MessageID: "m1", Text: "hello", Trust: 0.5, ComposedAt: clk.NowMillis()}
	added, err := s.Add(msg)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatalf("expected first Add to report added=true")
	}

	added2, err := s.Add(Message{MessageID: "m1", Text: "different text", Trust: 0.9})
	if err != nil {
		t.Fatalf("Add (second): %v", err)
	}
	if added2 {
		t.Fatalf("expected second Add with same id to report added=false")
	}

	got, found, err := s.Get("m1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Text != "hello" {
		t.Fatalf("stored message should equal the first Add, got text=%q", got.Text)
	}
}

func TestStoreVersionBumpsOnAddAndTrustChange(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)

	v0 := s.StoreVersion()
	if _, err := s.Add(Message{MessageID: "m1", Trust: 0.5, ComposedAt: clk.NowMillis()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	v1 := s.StoreVersion()
	if v1 == v0 {
		t.Fatalf("expected store version to change after Add")
	}

	changed, err := s.UpdateTrust("m1", 0.5)
	if err != nil {
		t.Fatalf("UpdateTrust (no-op): %v", err)
	}
	if changed {
		t.Fatalf("expected no change for identical trust value")
	}
	if s.StoreVersion() != v1 {
		t.Fatalf("store version must not change on a no-op trust update")
	}

	changed, err = s.UpdateTrust("m1", 0.9)
	if err != nil {
		t.Fatalf("UpdateTrust: %v", err)
	}
	if !changed {
		t.Fatalf("expected trust update to report changed=true")
	}
	if s.StoreVersion() == v1 {
		t.Fatalf("expected store version to change after trust update")
	}
}

func TestUpdateTrustClamps(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)
	if _, err := s.Add(Message{MessageID: "m1", Trust: 0.5, ComposedAt: clk.NowMillis()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.UpdateTrust("m1", 50); err != nil {
		t.Fatalf("UpdateTrust: %v", err)
	}
	got, _, err := s.Get("m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Trust != TrustMax {
		t.Fatalf("expected trust clamped to %v, got %v", TrustMax, got.Trust)
	}
}

func TestLikeNeverGoesNegative(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)
	if _, err := s.Add(Message{MessageID: "m1", ComposedAt: clk.NowMillis()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Like("m1", false); err != nil {
		t.Fatalf("Like: %v", err)
	}
	got, _, err := s.Get("m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Likes != 0 {
		t.Fatalf("expected likes to stay at 0, got %d", got.Likes)
	}
}

func TestAllOrderedByComposedAtDescendingExcludingExpired(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)

	base := clk.NowMillis()
	_, _ = s.Add(Message{MessageID: "old", ComposedAt: base - 1000})
	_, _ = s.Add(Message{MessageID: "new", ComposedAt: base})
	_, _ = s.Add(Message{MessageID: "expired", ComposedAt: base - 5000, ExpirationMs: 100})

	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 non-expired messages, got %d", len(all))
	}
	if all[0].MessageID != "new" || all[1].MessageID != "old" {
		t.Fatalf("expected descending composed_at order, got %v, %v", all[0].MessageID, all[1].MessageID)
	}
}

func TestEligibleForExchangeNewestInsertionFirstAndBounded(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if _, err := s.Add(Message{MessageID: id, ComposedAt: clk.NowMillis()}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.EligibleForExchange(0, 3)
	if err != nil {
		t.Fatalf("EligibleForExchange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit=3 messages, got %d", len(got))
	}
	if got[0].MessageID != "e" || got[1].MessageID != "d" || got[2].MessageID != "c" {
		t.Fatalf("expected newest-insertion-first order, got %v", []string{got[0].MessageID, got[1].MessageID, got[2].MessageID})
	}
}

func TestAutoDeleteByTrustThreshold(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)

	_, _ = s.Add(Message{MessageID: "low", Trust: 0.01, ComposedAt: clk.NowMillis()})
	_, _ = s.Add(Message{MessageID: "high", Trust: 0.9, ComposedAt: clk.NowMillis()})

	deleted, err := s.AutoDelete(true, 0.05, 365)
	if err != nil {
		t.Fatalf("AutoDelete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, found, _ := s.Get("low"); found {
		t.Fatalf("expected low-trust message to be deleted")
	}
	if _, found, _ := s.Get("high"); !found {
		t.Fatalf("expected high-trust message to survive")
	}
}

func TestAutoDeleteDisabledIsNoOp(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTestMessageStore(t, clk)
	_, _ = s.Add(Message{MessageID: "low", Trust: 0.01, ComposedAt: clk.NowMillis()})

	deleted, err := s.AutoDelete(false, 0.5, 1)
	if err != nil {
		t.Fatalf("AutoDelete: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no deletions when disabled")
	}
}

func TestIndexRebuildsOnReopen(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), "messages.db")

	s, err := OpenMessageStore(path, clk, nil)
	if err != nil {
		t.Fatalf("OpenMessageStore: %v", err)
	}
	if _, err := s.Add(Message{MessageID: "m1", ComposedAt: clk.NowMillis()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMessageStore(path, clk, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, found, err := reopened.Get("m1")
	if err != nil || !found {
		t.Fatalf("expected message to survive reopen: found=%v err=%v", found, err)
	}
	if got.MessageID != "m1" {
		t.Fatalf("unexpected message after reopen: %+v", got)
	}
}
