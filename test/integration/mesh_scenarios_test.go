// Package integration drives the public exchange package API end-to-end
// over net.Pipe, covering the session scenarios that unit tests inside
// internal/exchange and internal/scheduler don't exercise directly.
package integration

import (
	"crypto/rand"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/exchange"
	"github.com/rangzen-mesh/core/internal/store"
	"github.com/rangzen-mesh/core/internal/wirecodec"
)

// teeConn wraps a net.Conn, recording each Write call's bytes so a test
// can assert on exactly what a Session put on the wire, not just on the
// decoded result it produces.
type teeConn struct {
	net.Conn
	mu     sync.Mutex
	writes [][]byte
}

func (t *teeConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	t.mu.Lock()
	t.writes = append(t.writes, cp)
	t.mu.Unlock()
	return t.Conn.Write(p)
}

func (t *teeConn) lastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

func newStores(t *testing.T) (*store.MessageStore, *store.FriendStore) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	ms, err := store.OpenMessageStore(t.TempDir()+"/messages.db", clk, nil)
	if err != nil {
		t.Fatalf("open message store: %v", err)
	}
	t.Cleanup(func() { _ = ms.Close() })

	fs, err := store.OpenFriendStore(t.TempDir() + "/friends.db")
	if err != nil {
		t.Fatalf("open friend store: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return ms, fs
}

func addFriends(t *testing.T, fs *store.FriendStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := fs.AddFriend(store.Friend{PublicID: id}); err != nil {
			t.Fatalf("seed friend %s: %v", id, err)
		}
	}
}

func runBothSides(t *testing.T, initiator, responder *exchange.Session) (exchange.Result, *exchange.Error, exchange.Result, *exchange.Error) {
	t.Helper()
	a, b := net.Pipe()

	var initResult, respResult exchange.Result
	var initErr, respErr *exchange.Error
	done := make(chan struct{}, 2)

	go func() {
		initResult, initErr = initiator.Run(a)
		done <- struct{}{}
	}()
	go func() {
		respResult, respErr = responder.Run(b)
		done <- struct{}{}
	}()
	<-done
	<-done
	return initResult, initErr, respResult, respErr
}

// S1: two peers with three mutual friends and no messages. A single
// session should report commonFriends == 3 on both sides and leave both
// stores empty.
func TestThreeMutualFriendsNoMessages(t *testing.T) {
	initMessages, initFriends := newStores(t)
	respMessages, respFriends := newStores(t)

	addFriends(t, initFriends, "alice", "bob", "carol", "dave", "erin")
	addFriends(t, respFriends, "alice", "bob", "carol", "frank", "george")

	cfg := exchange.Config{
		UseTrust:                     true,
		MinSharedContactsForExchange: 0,
		MaxMessagesPerExchange:       50,
		SessionTimeout:               5 * time.Second,
	}

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	initiator := exchange.New(cfg, exchange.RoleInitiator, clk, rand.Reader, nil, "node-a", initMessages, initFriends, nil)
	responder := exchange.New(cfg, exchange.RoleResponder, clk, rand.Reader, nil, "node-b", respMessages, respFriends, nil)

	initResult, initErr, respResult, respErr := runBothSides(t, initiator, responder)
	if initErr != nil {
		t.Fatalf("initiator failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder failed: %v", respErr)
	}

	if initResult.CommonFriends != 3 {
		t.Fatalf("expected initiator common friends = 3, got %d", initResult.CommonFriends)
	}
	if respResult.CommonFriends != 3 {
		t.Fatalf("expected responder common friends = 3, got %d", respResult.CommonFriends)
	}

	initAll, err := initMessages.All()
	if err != nil {
		t.Fatalf("list initiator messages: %v", err)
	}
	if len(initAll) != 0 {
		t.Fatalf("expected initiator store to remain empty, got %d messages", len(initAll))
	}
	respAll, err := respMessages.All()
	if err != nil {
		t.Fatalf("list responder messages: %v", err)
	}
	if len(respAll) != 0 {
		t.Fatalf("expected responder store to remain empty, got %d messages", len(respAll))
	}
}

// S2: admission refusal. With MinSharedContactsForExchange == 2 and only
// one mutual friend, both sides must refuse: no messages cross, and each
// side's error carries its own observed common-friend count.
func TestAdmissionRefusalOnInsufficientTrust(t *testing.T) {
	initMessages, initFriends := newStores(t)
	respMessages, respFriends := newStores(t)

	addFriends(t, initFriends, "alice")
	addFriends(t, respFriends, "alice")

	if _, err := initMessages.Add(store.Message{
		MessageID: "msg-a", Text: "should not cross", Trust: 0.5,
		ExpirationMs: time.Now().Add(24 * time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatalf("seed initiator message: %v", err)
	}

	cfg := exchange.Config{
		UseTrust:                     true,
		MinSharedContactsForExchange: 2,
		MaxMessagesPerExchange:       50,
		SessionTimeout:               5 * time.Second,
	}

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	initiator := exchange.New(cfg, exchange.RoleInitiator, clk, rand.Reader, nil, "node-a", initMessages, initFriends, nil)
	responder := exchange.New(cfg, exchange.RoleResponder, clk, rand.Reader, nil, "node-b", respMessages, respFriends, nil)

	a, b := net.Pipe()
	tee := &teeConn{Conn: a}

	var initErr, respErr *exchange.Error
	done := make(chan struct{}, 2)
	go func() {
		_, initErr = initiator.Run(tee)
		done <- struct{}{}
	}()
	go func() {
		_, respErr = responder.Run(b)
		done <- struct{}{}
	}()
	<-done
	<-done

	if initErr == nil || initErr.Kind != exchange.KindInsufficientTrust {
		t.Fatalf("expected initiator InsufficientTrust, got %v", initErr)
	}
	if initErr.CommonFriends != 1 || initErr.Required != 2 {
		t.Fatalf("expected initiator error {common_friends:1 required:2}, got {%d %d}", initErr.CommonFriends, initErr.Required)
	}
	if respErr == nil || respErr.Kind != exchange.KindInsufficientTrust {
		t.Fatalf("expected responder InsufficientTrust, got %v", respErr)
	}
	if respErr.CommonFriends != 1 || respErr.Required != 2 {
		t.Fatalf("expected responder error {common_friends:1 required:2}, got {%d %d}", respErr.CommonFriends, respErr.Required)
	}

	respAll, err := respMessages.All()
	if err != nil {
		t.Fatalf("list responder messages: %v", err)
	}
	if len(respAll) != 0 {
		t.Fatalf("expected no message to cross to responder, got %d", len(respAll))
	}

	// Assert the actual bytes the initiator put on the wire carry the
	// spec §6 bit-exact refusal shape, not just a decoded Kind enum.
	raw := tee.lastWrite()
	if len(raw) < 4 {
		t.Fatalf("expected a length-prefixed frame, got %d bytes", len(raw))
	}
	payload := raw[4:]

	var header struct {
		Refuse bool            `json:"refuse"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		t.Fatalf("decode phaseHeader frame: %v, payload=%s", err, payload)
	}
	if !header.Refuse {
		t.Fatalf("expected header.refuse=true, payload=%s", payload)
	}
	if len(header.Error) == 0 {
		t.Fatalf("expected a nested error object on refusal, payload=%s", payload)
	}

	var wireErr wirecodec.InsufficientTrustError
	if err := json.Unmarshal(header.Error, &wireErr); err != nil {
		t.Fatalf("decode nested error: %v, raw=%s", err, header.Error)
	}
	if wireErr.Error != "insufficient_trust" {
		t.Fatalf(`expected error:"insufficient_trust", got %q`, wireErr.Error)
	}
	if wireErr.CommonFriends != 1 || wireErr.Required != 2 {
		t.Fatalf("expected nested error {common_friends:1 required:2}, got {%d %d}", wireErr.CommonFriends, wireErr.Required)
	}
}

// S3: message propagation with trust boost. A holds m (trust 0.3), B does
// not. After one session B holds m with hop_count bumped by one, a fresh
// received_at, and a valid trust value; A's copy is untouched.
func TestMessagePropagationAdvancesHopCountAndTrust(t *testing.T) {
	initMessages, initFriends := newStores(t)
	respMessages, respFriends := newStores(t)

	friendPool := []string{"alice", "bob", "carol", "dave", "erin"}
	addFriends(t, initFriends, friendPool...)
	addFriends(t, respFriends, friendPool...)

	composedAt := time.Unix(1_700_000_000, 0).UnixMilli()
	if _, err := initMessages.Add(store.Message{
		MessageID: "msg-propagate", Text: "hello mesh", Trust: 0.3,
		HopCount: 1, ComposedAt: composedAt,
		ExpirationMs: time.Now().Add(24 * time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatalf("seed initiator message: %v", err)
	}

	cfg := exchange.Config{
		UseTrust:                     true,
		MinSharedContactsForExchange: 0,
		TrustNoiseVariance:           0,
		MaxMessagesPerExchange:       50,
		SessionTimeout:               5 * time.Second,
	}

	now := time.Unix(1_700_100_000, 0)
	clk := clock.NewFake(now)
	initiator := exchange.New(cfg, exchange.RoleInitiator, clk, rand.Reader, nil, "node-a", initMessages, initFriends, nil)
	responder := exchange.New(cfg, exchange.RoleResponder, clk, rand.Reader, nil, "node-b", respMessages, respFriends, nil)

	initResult, initErr, respResult, respErr := runBothSides(t, initiator, responder)
	if initErr != nil {
		t.Fatalf("initiator failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder failed: %v", respErr)
	}
	if initResult.CommonFriends != 5 || respResult.CommonFriends != 5 {
		t.Fatalf("expected 5 common friends both sides, got init=%d resp=%d", initResult.CommonFriends, respResult.CommonFriends)
	}

	original, found, err := initMessages.Get("msg-propagate")
	if err != nil || !found {
		t.Fatalf("expected initiator copy to remain, found=%v err=%v", found, err)
	}
	if original.HopCount != 1 || original.Trust != 0.3 {
		t.Fatalf("expected initiator's copy unchanged, got hop=%d trust=%v", original.HopCount, original.Trust)
	}

	propagated, found, err := respMessages.Get("msg-propagate")
	if err != nil || !found {
		t.Fatalf("expected message to propagate to responder, found=%v err=%v", found, err)
	}
	if propagated.HopCount != original.HopCount+1 {
		t.Fatalf("expected hop_count %d, got %d", original.HopCount+1, propagated.HopCount)
	}
	if propagated.ReceivedAt != now.UnixMilli() {
		t.Fatalf("expected received_at %d, got %d", now.UnixMilli(), propagated.ReceivedAt)
	}
	if propagated.Trust <= 0 || propagated.Trust > 1.0 {
		t.Fatalf("expected trust within (0, 1], got %v", propagated.Trust)
	}
}
