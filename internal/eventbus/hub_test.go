package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

func drain(t *testing.T, sub *Subscription, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func TestHub_DeliversEventsInOrderPerBaseName(t *testing.T) {
	h := NewHub(logger.Nop())
	defer h.Close()

	sub := h.Subscribe()
	defer sub.Close()

	base := slide.BaseName("slide_A")
	h.Publish(Simple(TypeQueued, base))
	h.Publish(Simple(TypeStarted, base))
	h.Publish(Progress(base, slide.PhaseICC, 10))
	h.Publish(Progress(base, slide.PhaseICC, 20))
	h.Publish(Simple(TypeComplete, base))

	got := drain(t, sub, 5, time.Second)
	require.Equal(t, []Type{TypeQueued, TypeStarted, TypeProgress, TypeProgress, TypeComplete}, []Type{
		got[0].Type, got[1].Type, got[2].Type, got[3].Type, got[4].Type,
	})
	require.Equal(t, 10, got[2].Percent)
	require.Equal(t, 20, got[3].Percent)
}

func TestHub_CatchUpBurstForActiveJobs(t *testing.T) {
	h := NewHub(logger.Nop())
	defer h.Close()

	base := slide.BaseName("slide_B")
	first := h.Subscribe()
	h.Publish(Simple(TypeStarted, base))
	h.Publish(Progress(base, slide.PhaseDZI, 60))
	_ = drain(t, first, 2, time.Second)
	first.Close()

	late := h.Subscribe()
	defer late.Close()

	got := drain(t, late, 2, time.Second)
	require.Equal(t, TypeStarted, got[0].Type)
	require.Equal(t, TypeProgress, got[1].Type)
	require.Equal(t, 60, got[1].Percent)
}

func TestHub_TerminalEventClearsCatchUpState(t *testing.T) {
	h := NewHub(logger.Nop())
	defer h.Close()

	base := slide.BaseName("slide_C")
	s := h.Subscribe()
	h.Publish(Simple(TypeStarted, base))
	h.Publish(Simple(TypeComplete, base))
	_ = drain(t, s, 2, time.Second)
	s.Close()

	late := h.Subscribe()
	defer late.Close()

	select {
	case ev := <-late.C:
		t.Fatalf("expected no catch-up event for completed job, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DisconnectsSlowSubscriber(t *testing.T) {
	h := NewHub(logger.Nop())
	defer h.Close()

	sub := h.Subscribe()
	base := slide.BaseName("slide_D")
	for i := 0; i < backlogSize+10; i++ {
		h.Publish(Progress(base, slide.PhaseDZI, i%100))
	}

	closed := make(chan struct{})
	go func() {
		for {
			if _, ok := <-sub.C; !ok {
				close(closed)
				return
			}
		}
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber was never disconnected after exceeding backlog")
	}
}
