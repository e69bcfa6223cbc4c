package keydir

import "sync"

// FingerprintWatcher records, per folder, which peer fingerprints have
// already had a "new key detected" notice injected as a local message,
// so a key rediscovered on a later sync (or already known from another
// folder) does not get a duplicate notice. Per spec §4.4.
type FingerprintWatcher struct {
	mu      sync.Mutex
	seen    map[string]map[string]bool // folder -> fingerprint -> true
	synced  map[string]bool            // folder -> initial sync complete
	pending map[string][]string        // folder -> fingerprints awaiting the synced hook
}

// NewFingerprintWatcher returns a ready-to-use watcher.
func NewFingerprintWatcher() *FingerprintWatcher {
	return &FingerprintWatcher{
		seen:    make(map[string]map[string]bool),
		synced:  make(map[string]bool),
		pending: make(map[string][]string),
	}
}

// Observe reports whether fp is new for folder (i.e. no local
// "new key detected" message has been injected there yet), and records it
// as seen either way. If the folder's initial sync has not completed yet,
// the notice is deferred: Observe records fp as pending and returns false,
// and the notice should instead be injected when MailboxSynced fires.
func (w *FingerprintWatcher) Observe(folder, fp string) (shouldNotifyNow bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[folder] == nil {
		w.seen[folder] = make(map[string]bool)
	}
	if w.seen[folder][fp] {
		return false
	}
	w.seen[folder][fp] = true

	if !w.synced[folder] {
		w.pending[folder] = append(w.pending[folder], fp)
		return false
	}
	return true
}

// MailboxSynced marks folder's initial sync complete and returns the
// fingerprints that were observed before the hook fired and are now due
// their local-message injection, per spec §4.4's "mailbox-synced hook".
func (w *FingerprintWatcher) MailboxSynced(folder string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.synced[folder] = true
	pending := w.pending[folder]
	delete(w.pending, folder)
	return pending
}
