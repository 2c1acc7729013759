package session

import (
	"fmt"
	"testing"

	"github.com/emberware/voicerelay/internal/completion"
)

func TestHistoryCapEvictsOldestFirst(t *testing.T) {
	r := NewRegistry(12)
	r.Create("c1")

	for i := 0; i < 20; i++ {
		role := completion.RoleUser
		if i%2 == 1 {
			role = completion.RoleAssistant
		}
		r.AppendHistory("c1", completion.Message{Role: role, Content: fmt.Sprintf("msg-%d", i)})
	}

	history := r.HistorySnapshot("c1")
	if len(history) != 12 {
		t.Fatalf("expected history capped at 12, got %d", len(history))
	}
	if history[0].Content != "msg-8" {
		t.Fatalf("expected oldest entries evicted first, head is %q", history[0].Content)
	}
	if history[11].Content != "msg-19" {
		t.Fatalf("expected newest entry retained, tail is %q", history[11].Content)
	}
}

func TestAppendHistoryUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry(12)
	r.AppendHistory("ghost", completion.Message{Role: completion.RoleUser, Content: "hi"})
	if got := r.HistorySnapshot("ghost"); got != nil {
		t.Fatalf("expected nil history, got %v", got)
	}
}

func TestGetOrCreate(t *testing.T) {
	r := NewRegistry(12)
	a := r.GetOrCreate("c1")
	b := r.GetOrCreate("c1")
	if a != b {
		t.Fatal("expected the same session instance")
	}
	if a.Active {
		t.Fatal("expected new sessions to start inactive")
	}
}

func TestSetActive(t *testing.T) {
	r := NewRegistry(12)
	r.Create("c1")
	r.SetActive("c1", true)
	if !r.Get("c1").Active {
		t.Fatal("expected session marked active")
	}
}

func TestDeleteClearsSessionAndHandle(t *testing.T) {
	r := NewRegistry(12)
	r.Create("c1")
	r.Delete("c1")
	if r.Get("c1") != nil {
		t.Fatal("expected session removed")
	}
	if r.Handle("c1") != nil {
		t.Fatal("expected handle removed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestStopHandleWithoutHandle(t *testing.T) {
	r := NewRegistry(12)
	r.Create("c1")
	// Two consecutive interrupts with no active handle are both no-ops.
	if r.StopHandle("c1") {
		t.Fatal("expected no handle to stop")
	}
	if r.StopHandle("c1") {
		t.Fatal("expected second stop to be a no-op too")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	r := NewRegistry(12)
	r.Create("c1")
	r.Create("c2")
	r.AppendHistory("c1", completion.Message{Role: completion.RoleUser, Content: "only c1"})
	if len(r.HistorySnapshot("c2")) != 0 {
		t.Fatal("expected no cross-session history sharing")
	}
}
