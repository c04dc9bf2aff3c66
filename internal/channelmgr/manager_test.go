package channelmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-run/convoy/internal/channelmgr"
)

type fakeChannel struct {
	name    string
	started chan struct{}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	return nil
}

func TestManager_StartAllAndStopAll(t *testing.T) {
	mgr := channelmgr.New(nil)
	fc := &fakeChannel{name: "test", started: make(chan struct{})}
	mgr.Register(fc)

	if _, ok := mgr.Get("test"); !ok {
		t.Fatalf("expected registered channel to be found")
	}
	if _, ok := mgr.Get("missing"); ok {
		t.Fatalf("expected missing channel lookup to fail")
	}

	mgr.StartAll(context.Background())
	select {
	case <-fc.started:
	case <-time.After(time.Second):
		t.Fatal("adapter never started")
	}

	mgr.StopAll()
}

func TestManager_Names(t *testing.T) {
	mgr := channelmgr.New(nil)
	mgr.Register(&fakeChannel{name: "a", started: make(chan struct{})})
	mgr.Register(&fakeChannel{name: "b", started: make(chan struct{})})
	names := mgr.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
