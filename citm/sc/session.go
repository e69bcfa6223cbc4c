package sc

import (
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/imaildir"
	"splintermail.com/citm/imap"
	"splintermail.com/citm/imap/imapparser"
)

// Session adapts one Account into the imap.Session interface, per spec
// §4.5: every downstream login gets its own Session, but every Session
// for the same user shares one Account (one keydir, one set of open
// imaildirs, one keysync client).
type Session struct {
	acct *Account
	// id identifies this one downstream login in log output. Every
	// Session for the same user shares the Account's logf, so without a
	// per-Session tag a log reader cannot tell two concurrent logins by
	// the same user apart; uuid.NewString gives each a short-lived,
	// globally unique correlation key the way status.Server does for
	// each control-socket connection.
	id string
}

// NewSession wraps acct as an imap.Session, tagging it with a fresh
// instance ID for log correlation.
func NewSession(acct *Account) *Session { return &Session{acct: acct, id: uuid.NewString()} }

// InstanceID returns the correlation ID logged alongside every mailbox
// operation this Session performs.
func (s *Session) InstanceID() string { return s.id }

func (s *Session) Mailboxes() ([]imap.MailboxSummary, error) {
	names, err := s.listMailboxNames()
	if err != nil {
		return nil, err
	}
	out := make([]imap.MailboxSummary, len(names))
	for i, n := range names {
		out[i] = imap.MailboxSummary{Name: n}
	}
	return out, nil
}

// listMailboxNames enumerates every folder this account has a local
// imaildir for, which (since citm/preuser seeds the standard folder set
// at account creation and every SELECT/CREATE opens one) mirrors the
// upstream's own mailbox list without a dedicated upstream LIST round
// trip for the common case.
func (s *Session) listMailboxNames() ([]string, error) {
	entries, err := s.acct.listMailboxDirs()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		n1, n2 := entries[i], entries[j]
		if n1 == "INBOX" {
			n1 = ""
		}
		if n2 == "INBOX" {
			n2 = ""
		}
		return n1 < n2
	})
	return entries, nil
}

func (s *Session) Mailbox(name []byte) (imap.Mailbox, error) {
	nameStr := string(name)
	ad, err := s.acct.getDir(nameStr)
	if err != nil {
		return nil, err
	}
	if ad.dir.Frozen() {
		return nil, eris.Errorf("sc: mailbox %s is being renamed or deleted", nameStr)
	}
	up, err := s.acct.openPassthrough(nameStr)
	if err != nil {
		return nil, err
	}
	view := imaildir.OpenView(ad.dir, false)
	return &Mailbox{
		id:    mailboxIDOf(nameStr),
		name:  nameStr,
		dir:   ad.dir,
		view:  view,
		up:    up,
		kd:    s.acct.kd,
		filer: s.acct.filer,
		logf:  s.acct.logf,
	}, nil
}

// CreateMailbox passes the command upstream and pre-creates the local
// imaildir so a subsequent SELECT finds it immediately.
func (s *Session) CreateMailbox(name []byte, attr imap.ListAttrFlag) error {
	if s.acct.logf != nil {
		s.acct.logf("sc[%s]: CREATE %s", s.id, name)
	}
	conn, err := s.acct.openControlConn()
	if err != nil {
		return err
	}
	defer conn.Cancel()
	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "CREATE", Mailbox: name}
	tagged, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		return err
	}
	if tagged.Status != "OK" {
		return eris.Errorf("sc: upstream CREATE failed: %s", tagged.Text)
	}
	_, err = s.acct.getDir(string(name))
	return err
}

// DeleteMailbox obtains a freeze on the target (per spec §4.5 Rename/
// delete) so no new accessor can open it mid-delete, passes the command
// upstream, and removes the local imaildir only on success.
func (s *Session) DeleteMailbox(name []byte) error {
	if s.acct.logf != nil {
		s.acct.logf("sc[%s]: DELETE %s", s.id, name)
	}
	ad, err := s.acct.getDir(string(name))
	if err != nil {
		return err
	}
	ad.dir.Freeze()
	defer ad.dir.ReleaseFreeze()

	conn, err := s.acct.openControlConn()
	if err != nil {
		return err
	}
	defer conn.Cancel()
	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "DELETE", Mailbox: name}
	tagged, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		return err
	}
	if tagged.Status != "OK" {
		return eris.Errorf("sc: upstream DELETE failed: %s", tagged.Text)
	}
	return s.acct.dropDir(string(name))
}

// RenameMailbox freezes both the source and (if it already exists) the
// destination, per spec §4.5, then passes RENAME upstream and relocates
// the local imaildir on success.
func (s *Session) RenameMailbox(oldName, newName []byte) error {
	if s.acct.logf != nil {
		s.acct.logf("sc[%s]: RENAME %s -> %s", s.id, oldName, newName)
	}
	ad, err := s.acct.getDir(string(oldName))
	if err != nil {
		return err
	}
	ad.dir.Freeze()
	defer ad.dir.ReleaseFreeze()

	conn, err := s.acct.openControlConn()
	if err != nil {
		return err
	}
	defer conn.Cancel()
	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "RENAME"}
	cmd.Rename.OldMailbox = oldName
	cmd.Rename.NewMailbox = newName
	tagged, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		return err
	}
	if tagged.Status != "OK" {
		return eris.Errorf("sc: upstream RENAME failed: %s", tagged.Text)
	}
	return s.acct.renameDir(string(oldName), string(newName))
}

func (s *Session) RegisterPushDevice(mailbox string, device imapparser.ApplePushDevice) error {
	return s.acct.registerPushDevice(mailbox, device)
}

func (s *Session) Close() {
	// Account outlives the Session; a later Session for the same login
	// reuses it. Nothing to release here beyond what garbage collection
	// handles, since Mailbox.Close releases each View as selections end.
}
