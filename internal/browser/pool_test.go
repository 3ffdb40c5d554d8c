package browser

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	closed atomic.Bool
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error            { return nil }
func (f *fakeSession) Click(ctx context.Context, target ClickTarget) error       { return nil }
func (f *fakeSession) Type(ctx context.Context, sel, text string, su bool) error { return nil }
func (f *fakeSession) Wait(ctx context.Context, cond WaitCondition) error        { return nil }
func (f *fakeSession) Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	return nil, nil
}
func (f *fakeSession) ExtractText(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (f *fakeSession) HTML(ctx context.Context) (string, error)    { return "", nil }
func (f *fakeSession) Scroll(ctx context.Context, down bool) error { return nil }
func (f *fakeSession) State(ctx context.Context) (State, error)    { return State{}, nil }
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeDriver struct {
	sessions atomic.Int64
}

func (f *fakeDriver) NewSession(ctx context.Context) (Session, error) {
	f.sessions.Add(1)
	return &fakeSession{}, nil
}

func (f *fakeDriver) Close() error { return nil }

func TestPoolCapsConcurrentSessions(t *testing.T) {
	pool := NewPool(&fakeDriver{}, 2, nil, nil)
	defer pool.Close()

	ctx := context.Background()

	_, release1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	_, release2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	if got := pool.InUse(); got != 2 {
		t.Fatalf("InUse = %d, want 2", got)
	}

	// Third acquire must block until a slot frees up.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, _, err := pool.Acquire(blockedCtx); err == nil {
		t.Fatal("third acquire succeeded with a full pool")
	}

	release1()
	sess, release3, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if sess == nil {
		t.Fatal("nil session from successful acquire")
	}
	release3()
	release2()

	if got := pool.InUse(); got != 0 {
		t.Fatalf("InUse after releases = %d, want 0", got)
	}
}

func TestPoolReleaseClosesSession(t *testing.T) {
	driver := &fakeDriver{}
	pool := NewPool(driver, 1, nil, nil)
	defer pool.Close()

	sess, release, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fs := sess.(*fakeSession)

	release()
	release() // second call must be a no-op

	if !fs.closed.Load() {
		t.Fatal("session not closed on release")
	}
	if got := pool.InUse(); got != 0 {
		t.Fatalf("InUse = %d, want 0", got)
	}
}

func TestPoolAcquireAfterClose(t *testing.T) {
	pool := NewPool(&fakeDriver{}, 1, nil, nil)
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("acquire on closed pool succeeded")
	}
}
