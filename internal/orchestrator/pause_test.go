package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestPauseController_WaitPassesWhenNotPaused(t *testing.T) {
	p := NewPauseController()

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait blocked with no pause in effect")
	}
}

func TestPauseController_BlocksUntilResume(t *testing.T) {
	p := NewPauseController()
	p.Pause()
	if !p.IsPaused() {
		t.Fatal("IsPaused = false after Pause")
	}

	released := make(chan error, 1)
	go func() { released <- p.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(100 * time.Millisecond):
	}

	p.Resume()

	select {
	case err := <-released:
		if err != nil {
			t.Errorf("Wait after Resume = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestPauseController_StopUnblocksWithError(t *testing.T) {
	p := NewPauseController()
	p.Pause()

	released := make(chan error, 1)
	go func() { released <- p.Wait(context.Background()) }()

	p.Stop()

	select {
	case err := <-released:
		if err == nil {
			t.Error("Wait after Stop should return an error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}

	// Stopped controllers fail fast even when not paused.
	if err := p.Wait(context.Background()); err == nil {
		t.Error("Wait on stopped controller should error")
	}
}

func TestPauseController_ContextCancelUnblocks(t *testing.T) {
	p := NewPauseController()
	p.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() { released <- p.Wait(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-released:
		if err == nil {
			t.Error("Wait should surface context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancel")
	}
}

func TestPauseController_WaitSpansBackToBackCycles(t *testing.T) {
	p := NewPauseController()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			p.Pause()
			p.Resume()
		}
	}()

	// Wait must ride out pauses that land mid-wait and only ever return
	// nil while the controller lives.
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait during pause/resume cycles: %v", err)
		}
	}
}

func TestPauseController_Idempotent(t *testing.T) {
	p := NewPauseController()
	p.Pause()
	p.Pause()
	p.Resume()
	p.Resume()
	if p.IsPaused() {
		t.Error("controller still paused after Resume")
	}
	p.Stop()
	p.Stop()
	if !p.IsStopped() {
		t.Error("controller not stopped after Stop")
	}
}
