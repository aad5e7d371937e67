package sessions

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	id        string
	kind      Kind
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, kind: KindStream, done: make(chan struct{})}
}

func (t *fakeTransport) Kind() Kind            { return t.kind }
func (t *fakeTransport) SessionID() string     { return t.id }
func (t *fakeTransport) Done() <-chan struct{} { return t.done }
func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(id string) *Session {
	return NewSession(id, "user-1", "2025-06-18", ClientInfo{Name: "test-client", Version: "1.0"}, newFakeTransport(id))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	sess := newTestSession("sess-1")
	if err := reg.Register(sess); err != nil {
		t.Fatalf("Register() = %v, want nil", err)
	}

	got, err := reg.Lookup("sess-1")
	if err != nil {
		t.Fatalf("Lookup() = %v, want nil", err)
	}
	if got != sess {
		t.Fatalf("Lookup() returned wrong session")
	}
	if n := reg.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	if err := reg.Register(newTestSession("sess-1")); err != nil {
		t.Fatalf("first Register() = %v, want nil", err)
	}
	if err := reg.Register(newTestSession("sess-1")); err != ErrDuplicateSession {
		t.Fatalf("second Register() = %v, want ErrDuplicateSession", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	if _, err := reg.Lookup("nope"); err != ErrSessionNotFound {
		t.Fatalf("Lookup() = %v, want ErrSessionNotFound", err)
	}
}

func TestEvictIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	if err := reg.Register(newTestSession("sess-1")); err != nil {
		t.Fatalf("Register() = %v, want nil", err)
	}
	if !reg.Evict("sess-1") {
		t.Fatal("first Evict() = false, want true")
	}
	if reg.Evict("sess-1") {
		t.Fatal("second Evict() = true, want false")
	}
	if _, err := reg.Lookup("sess-1"); err != ErrSessionNotFound {
		t.Fatalf("Lookup() after evict = %v, want ErrSessionNotFound", err)
	}
}

func TestTransportCloseTriggersEviction(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	tr := newFakeTransport("sess-1")
	sess := NewSession("sess-1", "user-1", "2025-06-18", ClientInfo{}, tr)
	if err := reg.Register(sess); err != nil {
		t.Fatalf("Register() = %v, want nil", err)
	}

	tr.Close()

	waitFor(t, func() bool {
		_, err := reg.Lookup("sess-1")
		return err == ErrSessionNotFound
	})
	if n := reg.Count(); n != 0 {
		t.Fatalf("Count() after close = %d, want 0", n)
	}
}

func TestPendingInvisibleUntilConfirmed(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	sess := newTestSession("sess-1")
	if err := reg.RegisterPending(sess); err != nil {
		t.Fatalf("RegisterPending() = %v, want nil", err)
	}
	if _, err := reg.Lookup("sess-1"); err != ErrSessionNotFound {
		t.Fatalf("Lookup() of pending session = %v, want ErrSessionNotFound", err)
	}

	if err := reg.ConfirmPending("sess-1"); err != nil {
		t.Fatalf("ConfirmPending() = %v, want nil", err)
	}
	if _, err := reg.Lookup("sess-1"); err != nil {
		t.Fatalf("Lookup() after confirm = %v, want nil", err)
	}
}

func TestAbortPending(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	if err := reg.RegisterPending(newTestSession("sess-1")); err != nil {
		t.Fatalf("RegisterPending() = %v, want nil", err)
	}
	reg.AbortPending("sess-1")

	if err := reg.ConfirmPending("sess-1"); err != ErrSessionNotFound {
		t.Fatalf("ConfirmPending() after abort = %v, want ErrSessionNotFound", err)
	}
	if n := reg.Count(); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
}

func TestConcurrentRegisterSameID(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	const racers = 16
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Register(newTestSession("sess-1"))
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if err != ErrDuplicateSession {
			t.Fatalf("Register() = %v, want nil or ErrDuplicateSession", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
}

func TestIdleSweeper(t *testing.T) {
	reg := NewRegistry(testLogger(),
		WithIdleTimeout(20*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
	)
	defer reg.Close()

	if err := reg.Register(newTestSession("sess-1")); err != nil {
		t.Fatalf("Register() = %v, want nil", err)
	}

	waitFor(t, func() bool {
		_, err := reg.Lookup("sess-1")
		return err == ErrSessionNotFound
	})
}
