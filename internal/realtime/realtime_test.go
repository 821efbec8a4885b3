package realtime

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestHubSubscribeAndBroadcast(t *testing.T) {
	h := NewHub(10)

	id1, ch1, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, ch2, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.Broadcast(Event{Name: "excel:saved", Data: map[string]string{"sheet": "Data"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != "excel:saved" {
				t.Errorf("client %d: unexpected event %q", i, ev.Name)
			}
		default:
			t.Errorf("client %d: no event delivered", i)
		}
	}

	h.Unsubscribe(id1)
	if h.Count() != 1 {
		t.Errorf("expected 1 client after unsubscribe, got %d", h.Count())
	}
	if _, open := <-ch1; open {
		t.Error("unsubscribed channel not closed")
	}
}

func TestHubCapacity(t *testing.T) {
	h := NewHub(2)
	for i := 0; i < 2; i++ {
		if _, _, err := h.Subscribe(); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	if _, _, err := h.Subscribe(); !errors.Is(err, ErrHubFull) {
		t.Errorf("expected ErrHubFull, got %v", err)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(10)
	_, ch, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Fill the buffer without draining, then one more broadcast evicts.
	for i := 0; i < cap(ch)+1; i++ {
		h.Broadcast(Event{Name: "ping"})
	}
	if h.Count() != 0 {
		t.Errorf("slow client not dropped, count %d", h.Count())
	}
}

func TestEventEncode(t *testing.T) {
	out, err := Event{Name: "payments:success", Data: map[string]string{"email": "a@x.com"}}.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "event: payments:success\n") {
		t.Errorf("missing event line: %q", text)
	}
	if !strings.Contains(text, `data: {"email":"a@x.com"}`) {
		t.Errorf("missing data line: %q", text)
	}
	if !strings.HasSuffix(text, "\n\n") {
		t.Errorf("missing terminating blank line: %q", text)
	}
}

type fakePeer struct {
	id       string
	name     string
	received [][]byte
	sendErr  error
}

func (p *fakePeer) ID() string   { return p.id }
func (p *fakePeer) Name() string { return p.name }
func (p *fakePeer) Send(message []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.received = append(p.received, message)
	return nil
}

func TestRoomsJoinPresenceLeave(t *testing.T) {
	r := NewRooms()
	ada := &fakePeer{id: "p1", name: "ada"}
	bob := &fakePeer{id: "p2", name: "bob"}

	if present := r.Join("Data", ada); len(present) != 0 {
		t.Errorf("first join should see empty room, got %v", present)
	}
	if present := r.Join("Data", bob); len(present) != 1 || present[0] != "ada" {
		t.Errorf("second join should see ada, got %v", present)
	}

	names := r.Presence("Data")
	sort.Strings(names)
	if len(names) != 2 || names[0] != "ada" || names[1] != "bob" {
		t.Errorf("unexpected presence: %v", names)
	}

	r.Leave("Data", "p1")
	if names := r.Presence("Data"); len(names) != 1 || names[0] != "bob" {
		t.Errorf("presence after leave: %v", names)
	}

	r.Leave("Data", "p2")
	if names := r.Presence("Data"); len(names) != 0 {
		t.Errorf("room should be empty: %v", names)
	}
}

func TestRoomsRelayExcludesSender(t *testing.T) {
	r := NewRooms()
	ada := &fakePeer{id: "p1", name: "ada"}
	bob := &fakePeer{id: "p2", name: "bob"}
	eve := &fakePeer{id: "p3", name: "eve"}
	r.Join("Data", ada)
	r.Join("Data", bob)
	r.Join("Other", eve)

	r.Relay("Data", "p1", []byte(`{"cell":"A1","value":"42"}`))

	if len(ada.received) != 0 {
		t.Error("sender received its own message")
	}
	if len(bob.received) != 1 {
		t.Errorf("roommate should receive 1 message, got %d", len(bob.received))
	}
	if len(eve.received) != 0 {
		t.Error("other room received the message")
	}
}

func TestRoomsRelayEvictsDeadPeer(t *testing.T) {
	r := NewRooms()
	dead := &fakePeer{id: "p1", name: "dead", sendErr: errors.New("gone")}
	live := &fakePeer{id: "p2", name: "live"}
	r.Join("Data", dead)
	r.Join("Data", live)

	r.Relay("Data", "p2", []byte("x"))

	if names := r.Presence("Data"); len(names) != 1 || names[0] != "live" {
		t.Errorf("dead peer not evicted: %v", names)
	}
}
