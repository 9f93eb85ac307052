package agent

import (
	"testing"

	"github.com/pylonhq/pylon/internal/sessions"
)

// TestConsolidate merges queued prompts into one replayable task.
func TestConsolidate(t *testing.T) {
	ref := sessions.ChatRef{Channel: "telegram", ChatType: "dm", ChatID: "42"}
	got := consolidate([]Task{
		{Ref: ref, Sender: "Alice", Prompt: "first", Display: "first", Images: []string{"a.jpg"}},
		{Ref: ref, Sender: "Alice", Prompt: "second", Display: "second"},
		{Ref: ref, Sender: "Alice", Prompt: "third", Display: "third", Images: []string{"b.jpg"}},
	})

	if got.Prompt != "first\n\nsecond\n\nthird" {
		t.Errorf("prompt = %q", got.Prompt)
	}
	if got.Display != "first\nsecond\nthird" {
		t.Errorf("display = %q", got.Display)
	}
	if len(got.Images) != 2 || got.Images[0] != "a.jpg" || got.Images[1] != "b.jpg" {
		t.Errorf("images = %v", got.Images)
	}
	if got.Ref != ref || got.Sender != "Alice" {
		t.Errorf("metadata lost: %+v", got)
	}
}

// TestExecutorDrain empties the whole queue in one pull.
func TestExecutorDrain(t *testing.T) {
	ex := &executor{key: "k", wake: make(chan struct{}, 1)}

	if _, ok := ex.drain(); ok {
		t.Fatal("drain on empty queue returned a task")
	}

	ex.enqueue(Task{Prompt: "one"}, 10)
	task, ok := ex.drain()
	if !ok || task.Prompt != "one" {
		t.Fatalf("single drain = %+v, %v", task, ok)
	}

	ex.enqueue(Task{Prompt: "a", Display: "a"}, 10)
	ex.enqueue(Task{Prompt: "b", Display: "b"}, 10)
	task, ok = ex.drain()
	if !ok || task.Prompt != "a\n\nb" {
		t.Fatalf("consolidated drain = %+v, %v", task, ok)
	}
	if _, ok := ex.drain(); ok {
		t.Error("queue not empty after drain")
	}
}

// TestExecutorQueueCap drops prompts past the configured bound.
func TestExecutorQueueCap(t *testing.T) {
	ex := &executor{key: "k", wake: make(chan struct{}, 1)}
	for i := 0; i < 3; i++ {
		if !ex.enqueue(Task{Prompt: "p"}, 3) {
			t.Fatalf("enqueue %d rejected below cap", i)
		}
	}
	if ex.enqueue(Task{Prompt: "overflow"}, 3) {
		t.Error("enqueue accepted past cap")
	}
}

// TestExecutorWakeCoalesces keeps the wake channel non-blocking however
// many prompts arrive.
func TestExecutorWakeCoalesces(t *testing.T) {
	ex := &executor{key: "k", wake: make(chan struct{}, 1)}
	for i := 0; i < 5; i++ {
		ex.enqueue(Task{Prompt: "p"}, 10)
	}
	select {
	case <-ex.wake:
	default:
		t.Fatal("no wake signal pending")
	}
	select {
	case <-ex.wake:
		t.Fatal("wake signal not coalesced")
	default:
	}
}
