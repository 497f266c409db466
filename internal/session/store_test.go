package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/ollama"
)

func TestNew_Chat(t *testing.T) {
	s, err := New(ModeChat, "c1", "be helpful")
	if err != nil {
		t.Fatal(err)
	}
	chat, ok := s.(*Chat)
	if !ok {
		t.Fatalf("expected *Chat, got %T", s)
	}
	msgs := chat.Messages()
	if len(msgs) != 1 || msgs[0].Role != ollama.RoleSystem || msgs[0].Content != "be helpful" {
		t.Errorf("messages = %+v", msgs)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestNew_UnknownMode(t *testing.T) {
	if _, err := New(Mode("stream"), "x", ""); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := ParseMode("stream"); err == nil {
		t.Error("ParseMode should reject unknown mode")
	}
	if m, err := ParseMode("generate"); err != nil || m != ModeLegacy {
		t.Errorf("ParseMode(generate) = %v, %v", m, err)
	}
}

func TestChat_RequestAndAppend(t *testing.T) {
	s, _ := New(ModeChat, "c1", "sys")

	req := s.Request("llama2", ollama.Options{NumCtx: 2048}, "hello")
	if !req.IsChat() || len(req.Messages) != 2 {
		t.Fatalf("request = %+v", req)
	}
	if req.Messages[1].Role != ollama.RoleUser || req.Messages[1].Content != "hello" {
		t.Errorf("last message = %+v", req.Messages[1])
	}
	if req.Model != "llama2" || req.Options.NumCtx != 2048 {
		t.Errorf("model/options not carried: %+v", req)
	}

	next := s.AppendTurn("hello", &ollama.Reply{Text: "hi!"})

	// The original must be unchanged.
	if s.Len() != 0 || len(s.(*Chat).Messages()) != 1 {
		t.Error("AppendTurn mutated the receiver")
	}

	msgs := next.(*Chat).Messages()
	want := []ollama.Message{
		{Role: ollama.RoleSystem, Content: "sys"},
		{Role: ollama.RoleUser, Content: "hello"},
		{Role: ollama.RoleAssistant, Content: "hi!"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
	if next.Len() != 1 || next.ID() != "c1" {
		t.Errorf("Len/ID = %d/%s", next.Len(), next.ID())
	}

	third := next.Request("llama2", ollama.Options{}, "again")
	if len(third.Messages) != 4 || third.Messages[0].Role != ollama.RoleSystem {
		t.Errorf("second-turn request = %+v", third.Messages)
	}
}

func TestChat_RequestDoesNotAlias(t *testing.T) {
	s, _ := New(ModeChat, "c1", "sys")
	req := s.Request("m", ollama.Options{}, "hello")
	req.Messages[0].Content = "tampered"
	if s.(*Chat).Messages()[0].Content != "sys" {
		t.Error("request shares backing array with session")
	}
}

func TestLegacy_RequestAndAppend(t *testing.T) {
	s, _ := New(ModeLegacy, "g1", "sys")

	first := s.Request("m", ollama.Options{}, "hello")
	if first.IsChat() || first.System != "sys" || first.Prompt != "hello" || first.Context != nil {
		t.Errorf("first request = %+v", first)
	}

	reply := &ollama.Reply{Text: "hi", Context: []int{1, 2, 3}}
	next := s.AppendTurn("hello", reply)
	reply.Context[0] = 99

	if s.(*Legacy).Continuation() != nil {
		t.Error("AppendTurn mutated the receiver")
	}
	cont := next.(*Legacy).Continuation()
	if len(cont) != 3 || cont[0] != 1 {
		t.Errorf("continuation = %v", cont)
	}

	second := next.Request("m", ollama.Options{}, "again")
	if second.System != "sys" || len(second.Context) != 3 {
		t.Errorf("second request = %+v", second)
	}
	if next.Len() != 1 || next.Mode() != ModeLegacy {
		t.Errorf("Len/Mode = %d/%s", next.Len(), next.Mode())
	}
}

func TestStore_GetPut(t *testing.T) {
	st := NewStore(ModeChat, 0, 0)
	if st.Capacity() != DefaultCapacity || st.TTL() != DefaultTTL {
		t.Errorf("defaults = %d/%v", st.Capacity(), st.TTL())
	}

	if _, ok := st.Get(""); ok {
		t.Error("empty id should never match")
	}
	if _, ok := st.Get("missing"); ok {
		t.Error("unexpected hit")
	}

	s, _ := New(ModeChat, "a", "sys")
	st.Put(s)
	got, ok := st.Get("a")
	if !ok || got.ID() != "a" {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}

	st.Put(got.AppendTurn("hi", &ollama.Reply{Text: "yo"}))
	got, _ = st.Get("a")
	if got.Len() != 1 {
		t.Errorf("replaced session Len() = %d", got.Len())
	}
	if st.Len() != 1 {
		t.Errorf("store Len() = %d", st.Len())
	}

	st.Delete("a")
	if _, ok := st.Get("a"); ok {
		t.Error("deleted session still present")
	}
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	st := NewStore(ModeChat, 2, time.Hour)
	for _, id := range []string{"a", "b"} {
		s, _ := New(ModeChat, id, "")
		st.Put(s)
	}
	st.Get("a") // a is now most recent
	c, _ := New(ModeChat, "c", "")
	st.Put(c)

	if _, ok := st.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := st.Get("a"); !ok {
		t.Error("a should survive")
	}
	if st.Len() != 2 {
		t.Errorf("Len() = %d, want 2", st.Len())
	}
}

func TestStore_Expires(t *testing.T) {
	st := NewStore(ModeLegacy, 10, 50*time.Millisecond)
	s, _ := New(ModeLegacy, "a", "")
	st.Put(s)
	time.Sleep(150 * time.Millisecond)
	if _, ok := st.Get("a"); ok {
		t.Error("session should have expired")
	}
}

func TestStore_Purge(t *testing.T) {
	st := NewStore(ModeChat, 10, time.Hour)
	for i := range 3 {
		s, _ := New(ModeChat, fmt.Sprint(i), "")
		st.Put(s)
	}
	st.Purge()
	if st.Len() != 0 {
		t.Errorf("Len() after Purge = %d", st.Len())
	}
}

func TestStore_LockSerializesSameID(t *testing.T) {
	st := NewStore(ModeChat, 10, time.Hour)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := st.Lock("conv")
			defer unlock()

			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	if m := maxInFlight.Load(); m != 1 {
		t.Errorf("max concurrent holders = %d, want 1", m)
	}
	if n := st.lockCount(); n != 0 {
		t.Errorf("lock map not cleaned up: %d entries", n)
	}
}

func TestStore_LockIndependentIDs(t *testing.T) {
	st := NewStore(ModeChat, 10, time.Hour)
	unlockA := st.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := st.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}
}

func TestStore_UnlockIdempotent(t *testing.T) {
	st := NewStore(ModeChat, 10, time.Hour)
	unlock := st.Lock("a")
	unlock()
	unlock()
	if st.lockCount() != 0 {
		t.Error("double unlock left state behind")
	}
}
