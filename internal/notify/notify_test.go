package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu    sync.Mutex
	calls []Event
	fail  int
}

func (f *fakePort) ProcessEvent(ctx context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("boom")
	}
	f.calls = append(f.calls, event)
	return nil
}

func (f *fakePort) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDispatcher_DeliversEvent(t *testing.T) {
	port := &fakePort{}
	d := NewDispatcher(port, 1)
	defer d.Shutdown()

	d.Emit(Event{Type: EventClaimDetected, UserID: "t1"})

	require.Eventually(t, func() bool { return port.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	port := &fakePort{fail: 1}
	d := NewDispatcher(port, 1)
	defer d.Shutdown()

	d.Emit(Event{Type: EventClaimSubmitted, UserID: "t1"})

	require.Eventually(t, func() bool { return port.callCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}
