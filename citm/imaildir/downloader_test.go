package imaildir

import (
	"context"
	"testing"
	"time"
)

// fakeSyncer is the "fake implementation [that] drives imaildir's own
// tests" Syncer's doc comment anticipates: InitialSync applies a
// scripted batch of messages and reports a fixed uidvalidity/himodseq,
// Idle blocks until the test signals an unsolicited update.
type fakeSyncer struct {
	msgs        []Msg
	uidvalidity uint32
	himodseq    int64

	syncCount int
	synced    chan struct{}
	wake      chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		uidvalidity: 1,
		synced:      make(chan struct{}, 16),
		wake:        make(chan struct{}, 1),
	}
}

func (f *fakeSyncer) InitialSync(ctx context.Context, dir *Dir) (uint32, int64, error) {
	f.syncCount++
	for _, m := range f.msgs {
		dir.UpdateMsg(m)
	}
	f.synced <- struct{}{}
	return f.uidvalidity, f.himodseq, nil
}

func (f *fakeSyncer) Idle(ctx context.Context) error {
	select {
	case <-f.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestDownloaderWaitsForAccessorThenSyncs exercises spec §4.3's
// WAIT_FOR_CONN -> INITIAL_SYNC -> IDLE transitions: the state machine
// must not call InitialSync until an upstream accessor is registered.
func TestDownloaderWaitsForAccessorThenSyncs(t *testing.T) {
	dir := openTestDir(t)
	syncer := newFakeSyncer()
	syncer.msgs = []Msg{{UID: 1, RFC822Len: 10}}
	syncer.himodseq = 5

	dl := NewDownloader(dir, syncer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		dl.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if dl.State() != StateWaitForConn {
		t.Fatalf("expected WAIT_FOR_CONN with no accessor registered, got %s", dl.State())
	}

	acc := dir.Register(true)
	dl.NotifyAccessorChange()

	select {
	case <-syncer.synced:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for InitialSync to run")
	}

	deadline := time.After(time.Second)
	for dl.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("expected downloader to settle in IDLE, stuck in %s", dl.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	himodseq, err := dir.GetHimodseqUp()
	if err != nil {
		t.Fatalf("GetHimodseqUp: %v", err)
	}
	if himodseq != 5 {
		t.Fatalf("expected himodseq 5 persisted after initial sync, got %d", himodseq)
	}
	all, err := dir.AllMsgs()
	if err != nil {
		t.Fatalf("AllMsgs: %v", err)
	}
	if len(all) != 1 || all[0].UID != 1 {
		t.Fatalf("expected the synced message to be applied, got %+v", all)
	}

	dir.Unregister(acc)
	dl.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Run to exit after Stop")
	}
}

// TestDownloaderReconcilesAfterIdleWakeup exercises the IDLE -> back to
// INITIAL_SYNC loop an unsolicited upstream update drives (spec §4.5
// Idle, §8 scenario 6): a second InitialSync call must run once Idle
// returns.
func TestDownloaderReconcilesAfterIdleWakeup(t *testing.T) {
	dir := openTestDir(t)
	syncer := newFakeSyncer()

	dl := NewDownloader(dir, syncer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dl.Run(ctx)

	acc := dir.Register(true)
	dl.NotifyAccessorChange()

	select {
	case <-syncer.synced:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first InitialSync")
	}

	syncer.wake <- struct{}{}

	select {
	case <-syncer.synced:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reconciling InitialSync after idle wakeup")
	}

	if syncer.syncCount < 2 {
		t.Fatalf("expected at least 2 InitialSync calls, got %d", syncer.syncCount)
	}

	dir.Unregister(acc)
	dl.Stop()
}
