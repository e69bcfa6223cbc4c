package sc

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/imap"
	"splintermail.com/citm/imap/imapparser"
	"splintermail.com/citm/imap/imapserver"
)

// Backend implements imap.DataStore's sibling, imapserver.DataStore,
// giving the downstream imapserver.Server a way to authenticate a login
// and obtain the imap.Session (backed by an Account) for it, per spec
// §4.5. One Backend serves every user on a host; Accounts are cached so
// that every downstream connection logged in as the same user shares
// one upstream login, keydir, and set of open imaildirs, per spec §4.6.
type Backend struct {
	BaseDir string // parent of every per-user root directory
	Dialer  UpstreamDialer
	Filer   *iox.Filer
	Logf    func(string, ...interface{})

	// UserID resolves a username to the stable numeric ID imapserver
	// uses to associate sessions for the same user; citm has no
	// separate user table, so by default this hashes the username.
	UserID func(username string) int64

	mu       sync.Mutex
	accounts map[string]*Account
	notifier imap.Notifier
}

// NewBackend constructs a Backend rooted at baseDir, where each user's
// persistent state lives under baseDir/<sanitized-username>/.
func NewBackend(baseDir string, dialer UpstreamDialer, filer *iox.Filer, logf func(string, ...interface{})) *Backend {
	return &Backend{
		BaseDir:  baseDir,
		Dialer:   dialer,
		Filer:    filer,
		Logf:     logf,
		accounts: make(map[string]*Account),
	}
}

// Login authenticates username/password against the upstream (there is
// no local credential store; citm never holds a password beyond what
// it needs to keep re-dialing the upstream) and returns a Session
// backed by that user's cached Account, opening one if this is the
// first login since startup.
func (b *Backend) Login(c *imapserver.Conn, username, password []byte) (int64, imap.Session, error) {
	name := string(username)
	b.mu.Lock()
	acct, ok := b.accounts[name]
	b.mu.Unlock()
	if ok {
		if err := b.reauth(acct, string(password)); err != nil {
			return 0, nil, err
		}
		return acct.UserID, NewSession(acct), nil
	}

	userID := b.userIDFor(name)
	root := filepath.Join(b.BaseDir, sanitizeMailboxName(name))
	if err := ensureAccountDir(root); err != nil {
		return 0, nil, err
	}

	var ctx context.Context = context.Background()
	if c != nil && c.Context != nil {
		ctx = c.Context
	}

	acct, err := OpenAccount(ctx, userID, name, string(password), root, b.Dialer, b.Filer, b.Logf, func(mailboxID int64, mailboxName string) {
		b.notify(userID, mailboxID, mailboxName)
	})
	if err != nil {
		if isAuthFailure(err) {
			return 0, nil, imapserver.ErrBadCredentials
		}
		return 0, nil, err
	}

	b.mu.Lock()
	b.accounts[name] = acct
	b.mu.Unlock()

	go b.watchStonith(name, acct)

	return userID, NewSession(acct), nil
}

// watchStonith evicts acct from the cache once its keysync client observes
// mykey deleted upstream (spec §4.7 STONITH). Sessions already holding a
// reference to acct keep working against it until they next call Login or
// are closed; only the cache entry used for new/re-logins is dropped, since
// citm/sc has no separate channel to forcibly interrupt an open downstream
// connection mid-command.
func (b *Backend) watchStonith(name string, acct *Account) {
	<-acct.Stonith()
	b.mu.Lock()
	if b.accounts[name] == acct {
		delete(b.accounts, name)
	}
	b.mu.Unlock()
	acct.Close()
}

// reauth re-validates password against the cached Account's upstream
// login. citm keeps no local password hash, so a second login with a
// stale or wrong password is only caught by actually dialing upstream;
// a fresh one-shot connection is opened and discarded rather than
// disturbing the Account's long-lived connections.
func (b *Backend) reauth(acct *Account, password string) error {
	conn, err := acct.dialer.dial(acct.filer, acct.logf)
	if err != nil {
		return eris.Wrap(err, "sc: dial upstream (reauth)")
	}
	defer conn.Cancel()
	if err := login(conn, acct.Username, password); err != nil {
		if isAuthFailure(err) {
			return imapserver.ErrBadCredentials
		}
		return err
	}
	return nil
}

// isAuthFailure distinguishes a rejected LOGIN from a dial/network
// failure; login() does not define a typed sentinel for this because
// the upstream's tagged NO/BYE text is all citm has to go on.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "LOGIN rejected") || strings.Contains(msg, "refused connection")
}

// RegisterNotifier records the single imapserver.Server-owned notifier
// that every Account's per-mailbox watch goroutine feeds into; per
// imapserver.go, ServeTLS calls this exactly once at startup.
func (b *Backend) RegisterNotifier(n imap.Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

func (b *Backend) notify(userID, mailboxID int64, mailboxName string) {
	b.mu.Lock()
	n := b.notifier
	acct := b.accountByUserID(userID)
	b.mu.Unlock()
	if n == nil {
		return
	}
	var devices []imapparser.ApplePushDevice
	if acct != nil {
		devices = acct.pushDevicesFor(mailboxName)
	}
	n.Notify(userID, mailboxID, mailboxName, devices)
}

func (b *Backend) accountByUserID(userID int64) *Account {
	for _, acct := range b.accounts {
		if acct.UserID == userID {
			return acct
		}
	}
	return nil
}

func (b *Backend) userIDFor(username string) int64 {
	if b.UserID != nil {
		return b.UserID(username)
	}
	return mailboxIDOf(username)
}

// CloseAccount tears down and forgets the cached Account for username, if
// any. watchStonith calls this automatically on STONITH self-logout (spec
// §4.7); operators call it directly when an account is deleted entirely.
func (b *Backend) CloseAccount(username string) {
	b.mu.Lock()
	acct, ok := b.accounts[username]
	if ok {
		delete(b.accounts, username)
	}
	b.mu.Unlock()
	if ok {
		acct.Close()
	}
}

func ensureAccountDir(root string) error {
	if err := os.MkdirAll(filepath.Join(root, "keys"), 0o700); err != nil {
		return eris.Wrap(err, "sc: mkdir account root")
	}
	if err := os.MkdirAll(filepath.Join(root, "mail"), 0o700); err != nil {
		return eris.Wrap(err, "sc: mkdir account root")
	}
	return nil
}

// NewUpstreamDialer is a convenience constructor for the common case of
// a Backend dialing a TLS-only upstream IMAP server.
func NewUpstreamDialer(addr string, tlsConfig *tls.Config) UpstreamDialer {
	return UpstreamDialer{Addr: addr, TLSConfig: tlsConfig}
}
