package imaildir

import (
	"context"
	"time"
)

// DownloadState names the downloader state machine's states from spec
// §4.3's ASCII diagram.
type DownloadState int

const (
	StateWaitForConn DownloadState = iota
	StateInitialSync
	StateIdle
	StateClosing
)

func (s DownloadState) String() string {
	switch s {
	case StateWaitForConn:
		return "WAIT_FOR_CONN"
	case StateInitialSync:
		return "INITIAL_SYNC"
	case StateIdle:
		return "IDLE"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Syncer is the upstream-facing half of the downloader: it drives one
// EXAMINE/SELECT (optionally QRESYNC) and drains responses until caught
// up, then sits in IDLE until an unsolicited update requires
// reconciliation. Implemented by imap/imapclient against a live
// connection; a fake implementation drives imaildir's own tests.
type Syncer interface {
	// InitialSync opens the mailbox and applies every message/expunge it
	// learns about to dir, returning once caught up (spec §4.3
	// INITIAL_SYNC). It returns the server's reported UIDVALIDITY and
	// HIGHESTMODSEQ.
	InitialSync(ctx context.Context, dir *Dir) (uidvalidity uint32, himodseq int64, err error)
	// Idle blocks until the upstream emits an unsolicited response (or
	// ctx is canceled), signaling the downloader to leave IDLE and
	// return to INITIAL_SYNC to reconcile.
	Idle(ctx context.Context) error
}

// Downloader drives Dir's upstream sync state machine: WAIT_FOR_CONN
// while no upstream accessor is registered, INITIAL_SYNC/IDLE while one
// is, CLOSING once told to stop. It is the Go translation of spec §4.3's
// single-threaded state diagram: one dedicated goroutine owns the state
// and communicates over channels, per spec §9's guidance to keep the
// state machine explicit rather than implicit.
type Downloader struct {
	dir    *Dir
	syncer Syncer
	logf   func(string, ...interface{})

	state    DownloadState
	stateCh  chan DownloadState // buffered 1; last-state-wins, for observers
	stop     chan struct{}
	done     chan struct{}
	register chan struct{} // pinged whenever accessor count may have changed
}

// NewDownloader constructs a Downloader for dir, driven by syncer. Run
// must be called to start the state machine.
func NewDownloader(dir *Dir, syncer Syncer, logf func(string, ...interface{})) *Downloader {
	return &Downloader{
		dir:      dir,
		syncer:   syncer,
		logf:     logf,
		stateCh:  make(chan DownloadState, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		register: make(chan struct{}, 1),
	}
}

// NotifyAccessorChange must be called (non-blocking) whenever an upstream
// accessor registers or unregisters, so the state machine can transition
// out of WAIT_FOR_CONN or back into it.
func (dl *Downloader) NotifyAccessorChange() {
	select {
	case dl.register <- struct{}{}:
	default:
	}
}

// Stop requests the state machine shut down; Run's goroutine exits once
// any in-flight sync step returns.
func (dl *Downloader) Stop() {
	close(dl.stop)
}

// Done is closed once Run's goroutine has exited.
func (dl *Downloader) Done() <-chan struct{} { return dl.done }

// State returns the current state, for tests and status reporting.
func (dl *Downloader) State() DownloadState { return dl.state }

const reconnectBackoffBase = 500 * time.Millisecond
const reconnectBackoffMax = 30 * time.Second

// Run drives the state machine until Stop is called. It must be run in
// its own goroutine.
func (dl *Downloader) Run(ctx context.Context) {
	defer close(dl.done)

	backoff := reconnectBackoffBase
	for {
		select {
		case <-dl.stop:
			dl.setState(StateClosing)
			return
		case <-ctx.Done():
			dl.setState(StateClosing)
			return
		default:
		}

		up, _ := dl.dir.accessorCount()
		if up == 0 {
			dl.setState(StateWaitForConn)
			select {
			case <-dl.register:
				continue
			case <-dl.stop:
				dl.setState(StateClosing)
				return
			case <-ctx.Done():
				dl.setState(StateClosing)
				return
			}
		}

		dl.setState(StateInitialSync)
		uidvalidity, himodseq, err := dl.syncer.InitialSync(ctx, dl.dir)
		if err != nil {
			if dl.logf != nil {
				dl.logf("imaildir: initial sync failed, retrying in %s: %v", backoff, err)
			}
			select {
			case <-time.After(backoff):
			case <-dl.stop:
				dl.setState(StateClosing)
				return
			case <-ctx.Done():
				dl.setState(StateClosing)
				return
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}
		backoff = reconnectBackoffBase

		if _, err := dl.dir.CheckUIDValidity(uidvalidity); err != nil {
			if dl.logf != nil {
				dl.logf("imaildir: uidvalidity check failed: %v", err)
			}
			continue
		}
		if err := dl.dir.SetHimodseqUp(himodseq); err != nil {
			if dl.logf != nil {
				dl.logf("imaildir: persist himodseq failed: %v", err)
			}
			continue
		}

		dl.dir.Broadcast(Update{}, false) // "synced" signal to downstream accessors
		dl.setState(StateIdle)

		if err := dl.syncer.Idle(ctx); err != nil {
			if dl.logf != nil {
				dl.logf("imaildir: idle ended: %v", err)
			}
		}
		// any unilateral response (or idle error) sends us back to
		// INITIAL_SYNC to reconcile, per spec §4.3
	}
}

func (dl *Downloader) setState(s DownloadState) {
	dl.state = s
	select {
	case dl.stateCh <- s:
	default:
		select {
		case <-dl.stateCh:
		default:
		}
		dl.stateCh <- s
	}
}
