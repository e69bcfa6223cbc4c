// Package sc implements the server-client bridge described in spec §4.5:
// an imap.DataStore/imap.Session/imap.Mailbox/imap.Message adapter that
// lets the existing imap/imapserver downstream engine drive a citm
// account, translating every downstream command into local imaildir
// operations plus an upstream passthrough, and every unilateral upstream
// change into a downstream push.
package sc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/imaildir"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/citm/keysync"
	"splintermail.com/citm/citm/preuser"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
)

// UpstreamDialer describes how to reach the real IMAP server a citm
// account proxies to, shared by every Account the DataStore logs in.
type UpstreamDialer struct {
	Addr      string
	TLSConfig *tls.Config // nil means plaintext + STARTTLS is not attempted
}

func (d UpstreamDialer) dial(filer *iox.Filer, logf func(string, ...interface{})) (*imapclient.Conn, error) {
	if d.TLSConfig != nil {
		return imapclient.DialTLS(d.Addr, d.TLSConfig, filer, logf)
	}
	return imapclient.Dial(d.Addr, filer, logf)
}

// Account is the per-logged-in-user object shared by every SC bridge
// (downstream connection) open for that user: one upstream login, the
// account's keydir, one imaildir.Dir (plus Downloader) per folder, and
// the live keysync.Client that keeps the keydir current, per spec §4.6
// "many SC bridges sharing the account."
type Account struct {
	UserID   int64
	Username string

	// password is retained in memory so this Account can open additional
	// upstream connections (sync, passthrough) after the initial login;
	// IMAP has no session-resumption mechanism citm can rely on here.
	// See DESIGN.md for the alternative (a re-auth token) this elides.
	password string

	root    string // persistence root: root/mail/<encoded-name>, root/keys
	dialer  UpstreamDialer
	filer   *iox.Filer
	logf    func(string, ...interface{})
	notifyF func(mailboxID int64, mailboxName string)

	kd *keydir.Keydir

	mu          sync.Mutex
	dirs        map[string]*acctDir
	names       map[string]string // sanitized dir name -> real mailbox name
	pushDevices map[string][]imapparser.ApplePushDevice
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	closeWG     sync.WaitGroup

	ks      *keysync.Client
	ksConn  *imapclient.Conn
	stonith chan struct{} // closed if keysync observes mykey deleted upstream
}

type acctDir struct {
	dir    *imaildir.Dir
	dl     *imaildir.Downloader
	syn    *upstreamSyncer
	upAcc  *imaildir.Accessor // keeps the Downloader out of WAIT_FOR_CONN
	watch  *imaildir.Accessor // downstream accessor driving notifyF
}

// OpenAccount logs in to the upstream, loads the account's keydir, starts
// the keysync client, and returns an Account ready to vend Sessions. root
// must already contain keys/mykey.pem, per spec §6.6's persistent state
// layout; citm/preuser is responsible for creating a brand new account's
// directory before first login.
func OpenAccount(
	ctx context.Context,
	userID int64,
	username, password string,
	root string,
	dialer UpstreamDialer,
	filer *iox.Filer,
	logf func(string, ...interface{}),
	notifyF func(mailboxID int64, mailboxName string),
) (*Account, error) {
	if err := preuser.EnsureMykey(root); err != nil {
		return nil, eris.Wrap(err, "sc: ensure account keypair")
	}
	kd, err := keydir.Load(filepath.Join(root, "keys"), logf)
	if err != nil {
		return nil, eris.Wrap(err, "sc: load keydir")
	}

	warmConn, err := dialer.dial(filer, logf)
	if err != nil {
		return nil, eris.Wrap(err, "sc: dial upstream (warmup)")
	}
	if err := login(warmConn, username, password); err != nil {
		warmConn.Cancel()
		return nil, err
	}
	warmupErr := preuser.Warmup(warmConn, kd)
	warmConn.Cancel()
	if warmupErr != nil {
		return nil, eris.Wrap(warmupErr, "sc: keysync warmup")
	}

	ksConn, err := dialer.dial(filer, logf)
	if err != nil {
		return nil, eris.Wrap(err, "sc: dial upstream (keysync)")
	}
	if err := login(ksConn, username, password); err != nil {
		ksConn.Cancel()
		return nil, err
	}

	names, err := loadNameIndex(root)
	if err != nil {
		ksConn.Cancel()
		return nil, err
	}
	devices, err := loadPushDevices(root)
	if err != nil {
		ksConn.Cancel()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Account{
		UserID:      userID,
		Username:    username,
		password:    password,
		root:        root,
		dialer:      dialer,
		filer:       filer,
		logf:        logf,
		notifyF:     notifyF,
		kd:          kd,
		dirs:        make(map[string]*acctDir),
		names:       names,
		pushDevices: devices,
		ctx:         ctx,
		cancel:      cancel,
		ksConn:      ksConn,
		stonith:     make(chan struct{}),
	}

	a.ks = keysync.New(ksConn, kd, logf)
	a.closeWG.Add(1)
	go a.runKeysync(ctx)

	return a, nil
}

func login(conn *imapclient.Conn, username, password string) error {
	resp, err := conn.ReadResponse() // greeting
	if err != nil {
		return eris.Wrap(err, "sc: read upstream greeting")
	}
	if resp.Status == "BYE" {
		return eris.Errorf("sc: upstream refused connection: %s", resp.Text)
	}
	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "LOGIN"}
	cmd.Auth.Username = []byte(username)
	cmd.Auth.Password = []byte(password)
	tagged, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		return eris.Wrap(err, "sc: upstream LOGIN")
	}
	if tagged.Status != "OK" {
		return eris.Errorf("sc: upstream LOGIN rejected: %s", tagged.Text)
	}
	return nil
}

func (a *Account) runKeysync(ctx context.Context) {
	defer a.closeWG.Done()
	err := a.ks.Run(ctx)
	if err != nil && eris.Is(err, keysync.ErrSelfDeleted) {
		close(a.stonith)
	} else if err != nil && a.logf != nil {
		a.logf("sc: keysync for %s ended: %v", a.Username, err)
	}
}

// Stonith is closed if and when the upstream reports this account's own
// key deleted; callers must log every session for this account out and
// drop the Account, per spec §4.7's STONITH rule.
func (a *Account) Stonith() <-chan struct{} { return a.stonith }

// getDir returns (opening and starting a Downloader for, if necessary)
// the imaildir for the named mailbox.
func (a *Account) getDir(name string) (*acctDir, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, eris.New("sc: account is closed")
	}
	if ad, ok := a.dirs[name]; ok {
		return ad, nil
	}

	sanitized := sanitizeMailboxName(name)
	dirPath := filepath.Join(a.root, "mail", sanitized)
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return nil, eris.Wrap(err, "sc: mkdir mailbox dir")
	}
	dir, err := imaildir.Open(dirPath, a.filer, a.logf)
	if err != nil {
		return nil, err
	}
	if a.names[sanitized] != name {
		a.names[sanitized] = name
		if err := saveNameIndex(a.root, a.names); err != nil && a.logf != nil {
			a.logf("sc: persist mailbox name index: %v", err)
		}
	}

	syncConn, err := a.dialer.dial(a.filer, a.logf)
	if err != nil {
		dir.Close()
		return nil, eris.Wrap(err, "sc: dial upstream (sync)")
	}
	if err := login(syncConn, a.Username, a.password); err != nil {
		dir.Close()
		syncConn.Cancel()
		return nil, err
	}
	syn := newUpstreamSyncer(syncConn, name)
	dl := imaildir.NewDownloader(dir, syn, a.logf)

	// The Downloader only leaves WAIT_FOR_CONN while at least one
	// upstream accessor is registered; this Account keeps exactly one
	// registered for the Dir's whole lifetime, since citm always wants
	// a folder it has opened to stay continuously synced.
	upAcc := dir.Register(true)
	dl.NotifyAccessorChange()

	a.closeWG.Add(1)
	go func() {
		defer a.closeWG.Done()
		dl.Run(a.ctx)
	}()

	var watch *imaildir.Accessor
	if a.notifyF != nil {
		watch = dir.Register(false)
		a.closeWG.Add(1)
		go func() {
			defer a.closeWG.Done()
			mailboxID := mailboxIDOf(name)
			for {
				select {
				case u, ok := <-watch.Updates:
					if !ok {
						return
					}
					if len(u.NewOrChanged) > 0 || len(u.Expunged) > 0 {
						a.notifyF(mailboxID, name)
					}
				case <-a.ctx.Done():
					return
				}
			}
		}()
	}

	ad := &acctDir{dir: dir, dl: dl, syn: syn, upAcc: upAcc, watch: watch}
	a.dirs[name] = ad
	return ad, nil
}

// mailboxIDOf derives a stable numeric identifier from a mailbox name for
// imap.Mailbox.ID()/push-notification bookkeeping; citm has no separate
// numeric mailbox table, unlike the teacher's sqlite-backed spilldb.
func mailboxIDOf(name string) int64 {
	h := fnvHash(name)
	return int64(h &^ (1 << 63)) // keep non-negative
}

func fnvHash(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// openPassthrough opens a fresh upstream connection dedicated to a single
// synchronous command round trip (APPEND/COPY/STORE/EXPUNGE), per
// citm/sc/syncer.go's doc comment on keeping passthrough separate from
// the continuous IDLE connection.
func (a *Account) openPassthrough(mailbox string) (*imapclient.Conn, error) {
	conn, err := a.dialer.dial(a.filer, a.logf)
	if err != nil {
		return nil, eris.Wrap(err, "sc: dial upstream (passthrough)")
	}
	if err := login(conn, a.Username, a.password); err != nil {
		conn.Cancel()
		return nil, err
	}
	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "SELECT", Mailbox: []byte(mailbox)}
	tagged, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		conn.Cancel()
		return nil, err
	}
	if tagged.Status != "OK" {
		conn.Cancel()
		return nil, eris.Errorf("sc: passthrough SELECT %s failed: %s", mailbox, tagged.Text)
	}
	return conn, nil
}

// Close tears down every open Dir, Downloader, and the keysync
// connection, per spec §5's two-phase shutdown: signal, then wait.
func (a *Account) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	dirs := a.dirs
	a.dirs = nil
	a.mu.Unlock()

	a.cancel()
	a.ks.Stop()
	a.ksConn.Cancel()
	for _, ad := range dirs {
		ad.dl.Stop()
	}
	a.closeWG.Wait()
	for _, ad := range dirs {
		ad.dir.Unregister(ad.upAcc)
		if ad.watch != nil {
			ad.dir.Unregister(ad.watch)
		}
		ad.dir.Close()
	}
}

func sanitizeMailboxName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "__")
	return fmt.Sprintf("%x_%s", len(name), r.Replace(name))
}

func nameIndexPath(root string) string { return filepath.Join(root, "mail", "index.json") }

func loadNameIndex(root string) (map[string]string, error) {
	raw, err := os.ReadFile(nameIndexPath(root))
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sc: read mailbox name index")
	}
	names := make(map[string]string)
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, eris.Wrap(err, "sc: parse mailbox name index")
	}
	return names, nil
}

func saveNameIndex(root string, names map[string]string) error {
	if err := os.MkdirAll(filepath.Join(root, "mail"), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return os.WriteFile(nameIndexPath(root), raw, 0o600)
}

func pushDevicesPath(root string) string { return filepath.Join(root, "push_devices.json") }

func loadPushDevices(root string) (map[string][]imapparser.ApplePushDevice, error) {
	raw, err := os.ReadFile(pushDevicesPath(root))
	if os.IsNotExist(err) {
		return make(map[string][]imapparser.ApplePushDevice), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sc: read push device registry")
	}
	devices := make(map[string][]imapparser.ApplePushDevice)
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, eris.Wrap(err, "sc: parse push device registry")
	}
	return devices, nil
}

func savePushDevices(root string, devices map[string][]imapparser.ApplePushDevice) error {
	raw, err := json.Marshal(devices)
	if err != nil {
		return err
	}
	return os.WriteFile(pushDevicesPath(root), raw, 0o600)
}

// listMailboxDirs returns every mailbox name this account has a local
// imaildir for.
func (a *Account) listMailboxDirs() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// openControlConn opens a short-lived authenticated upstream connection
// for a single CREATE/DELETE/RENAME command, which (unlike APPEND/COPY/
// STORE/EXPUNGE) runs from the authenticated state and needs no SELECT.
func (a *Account) openControlConn() (*imapclient.Conn, error) {
	conn, err := a.dialer.dial(a.filer, a.logf)
	if err != nil {
		return nil, eris.Wrap(err, "sc: dial upstream (control)")
	}
	if err := login(conn, a.Username, a.password); err != nil {
		conn.Cancel()
		return nil, err
	}
	return conn, nil
}

// dropDir tears down and removes the local imaildir for name, after its
// upstream DELETE has already succeeded.
func (a *Account) dropDir(name string) error {
	a.mu.Lock()
	ad, ok := a.dirs[name]
	if ok {
		delete(a.dirs, name)
	}
	sanitized := sanitizeMailboxName(name)
	delete(a.names, sanitized)
	err := saveNameIndex(a.root, a.names)
	a.mu.Unlock()
	if err != nil && a.logf != nil {
		a.logf("sc: persist mailbox name index: %v", err)
	}
	if !ok {
		return nil
	}
	ad.dl.Stop()
	<-ad.dl.Done()
	ad.dir.Unregister(ad.upAcc)
	if ad.watch != nil {
		ad.dir.Unregister(ad.watch)
	}
	if err := ad.dir.Close(); err != nil {
		return err
	}
	dirPath := filepath.Join(a.root, "mail", sanitized)
	return os.RemoveAll(dirPath)
}

// renameDir moves the on-disk imaildir for oldName to live under newName,
// after its upstream RENAME has already succeeded. The Dir is closed and
// reopened under the new path rather than renamed in place, since an
// open sqlite pool cannot be relocated out from under itself.
func (a *Account) renameDir(oldName, newName string) error {
	a.mu.Lock()
	ad, ok := a.dirs[oldName]
	a.mu.Unlock()
	if ok {
		ad.dl.Stop()
		<-ad.dl.Done()
		ad.dir.Unregister(ad.upAcc)
		if ad.watch != nil {
			ad.dir.Unregister(ad.watch)
		}
		if err := ad.dir.Close(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	delete(a.dirs, oldName)
	oldSan, newSan := sanitizeMailboxName(oldName), sanitizeMailboxName(newName)
	delete(a.names, oldSan)
	a.names[newSan] = newName
	err := saveNameIndex(a.root, a.names)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	oldPath := filepath.Join(a.root, "mail", oldSan)
	newPath := filepath.Join(a.root, "mail", newSan)
	if err := os.Rename(oldPath, newPath); err != nil {
		return eris.Wrap(err, "sc: rename mailbox directory")
	}
	return nil
}

// registerPushDevice records device as interested in mailbox, persisted
// across restarts. CITM's downstream server has no push credential and
// always rejects XAPPLEPUSHSERVICE (imap/imapserver), so nothing calls
// this today; it exists to satisfy imap.Session.RegisterPushDevice, an
// interface method also implemented by imap/imaptest's fake session.
func (a *Account) registerPushDevice(mailbox string, device imapparser.ApplePushDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing := a.pushDevices[mailbox]
	for _, d := range existing {
		if d.DeviceToken == device.DeviceToken {
			return nil
		}
	}
	a.pushDevices[mailbox] = append(existing, device)
	return savePushDevices(a.root, a.pushDevices)
}

// pushDevicesFor returns the devices currently registered against
// mailbox, for a Notify call triggered by new mail there.
func (a *Account) pushDevicesFor(mailbox string) []imapparser.ApplePushDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]imapparser.ApplePushDevice{}, a.pushDevices[mailbox]...)
}

