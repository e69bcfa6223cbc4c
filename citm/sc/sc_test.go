package sc

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"splintermail.com/citm/citm/imaildir"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/crypto/pemenv"
	"splintermail.com/citm/email"
	"splintermail.com/citm/imap"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
)

// fakeUpstreamServer is a persistent, multi-connection stand-in for the
// real upstream IMAP server, in the same net.Listen-backed style
// citm/keysync's tests use instead of mocking net.Conn. Unlike
// keysync's one-shot fake, an Account opens many short-lived
// connections (openControlConn, openPassthrough) and the imaildir
// downloader keeps a long-lived one per folder, so this server accepts
// indefinitely until the test's listener is closed.
type fakeUpstreamServer struct {
	ln net.Listener
}

func newFakeUpstreamServer(t *testing.T) *fakeUpstreamServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeUpstreamServer{ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeUpstreamServer) Addr() string { return s.ln.Addr().String() }

func (s *fakeUpstreamServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeUpstreamServer) serve(conn net.Conn) {
	defer conn.Close()
	conn.Write([]byte("* OK fake upstream ready\r\n"))
	br := bufio.NewReader(conn)
	for {
		line, err := readCommandLine(br)
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		switch cmd {
		case "LOGIN":
			conn.Write([]byte(tag + " OK LOGIN completed\r\n"))
		case "SELECT", "EXAMINE":
			conn.Write([]byte("* OK [UIDVALIDITY 1] UIDs valid\r\n"))
			conn.Write([]byte("* OK [HIGHESTMODSEQ 1] highest modseq\r\n"))
			conn.Write([]byte(tag + " OK [READ-WRITE] SELECT completed\r\n"))
		case "APPEND":
			conn.Write([]byte(tag + " OK [APPENDUID 1 1] APPEND completed\r\n"))
		case "IDLE":
			conn.Write([]byte("+ idling\r\n"))
			// the downloader leaves this connection idling for the rest
			// of the test; there is nothing further for it to dispatch.
			io.Copy(io.Discard, br)
			return
		default:
			conn.Write([]byte(tag + " OK " + cmd + " completed\r\n"))
		}
	}
}

// readCommandLine reads one command's first line, transparently
// consuming any trailing literal payload (e.g. APPEND's message body)
// so it is never misparsed as further command text.
func readCommandLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimRight(line, "\r\n")
	for strings.HasSuffix(trimmed, "}") {
		i := strings.LastIndexByte(trimmed, '{')
		if i < 0 {
			break
		}
		spec := strings.TrimSuffix(strings.TrimSuffix(trimmed[i+1:], "}"), "+")
		n, convErr := strconv.Atoi(spec)
		if convErr != nil {
			break
		}
		if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
			return "", err
		}
		rest, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		trimmed = strings.TrimRight(rest, "\r\n")
	}
	return line, nil
}

func newTestKeydir(t *testing.T) *keydir.Keydir {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kd, err := keydir.New(key, nil)
	if err != nil {
		t.Fatalf("keydir.New: %v", err)
	}
	return kd
}

// newTestAccount constructs an Account without going through OpenAccount
// (which also drives the keysync/preuser XKEYSYNC warmup choreography
// those packages already test on their own); this exercises only the
// bridge logic that is new to citm/sc.
func newTestAccount(t *testing.T, addr string) *Account {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Account{
		UserID:      1,
		Username:    "testuser",
		password:    "testpass",
		root:        t.TempDir(),
		dialer:      UpstreamDialer{Addr: addr},
		filer:       iox.NewFiler(0),
		dirs:        make(map[string]*acctDir),
		names:       make(map[string]string),
		pushDevices: make(map[string][]imapparser.ApplePushDevice),
		ctx:         ctx,
		cancel:      cancel,
		stonith:     make(chan struct{}),
	}
}

func TestSanitizeMailboxNameIsStable(t *testing.T) {
	a := sanitizeMailboxName("Inbox/Sub Folder")
	b := sanitizeMailboxName("Inbox/Sub Folder")
	if a != b {
		t.Fatalf("sanitizeMailboxName not stable: %q vs %q", a, b)
	}
	if strings.ContainsAny(a, "/\\") {
		t.Fatalf("sanitized name still contains a path separator: %q", a)
	}
}

func TestMailboxIDOfIsDeterministic(t *testing.T) {
	id1 := mailboxIDOf("INBOX")
	id2 := mailboxIDOf("INBOX")
	if id1 != id2 {
		t.Fatalf("mailboxIDOf not deterministic: %d vs %d", id1, id2)
	}
	if mailboxIDOf("Archive") == id1 {
		t.Fatalf("expected different mailboxes to hash differently")
	}
	if id1 < 0 {
		t.Fatalf("expected non-negative mailbox id, got %d", id1)
	}
}

// TestNameIndexPersistsAcrossLoad exercises the on-disk mailbox name
// index getDir maintains (sanitized dir name -> real mailbox name), used
// to answer LIST without a round trip once a folder has been opened.
func TestNameIndexPersistsAcrossLoad(t *testing.T) {
	root := t.TempDir()
	names := map[string]string{"abc": "INBOX", "def": "Sent Messages"}
	if err := saveNameIndex(root, names); err != nil {
		t.Fatalf("saveNameIndex: %v", err)
	}
	loaded, err := loadNameIndex(root)
	if err != nil {
		t.Fatalf("loadNameIndex: %v", err)
	}
	if loaded["abc"] != "INBOX" || loaded["def"] != "Sent Messages" {
		t.Fatalf("unexpected loaded index: %+v", loaded)
	}
}

// TestPushDeviceRegistryRoundTrip covers registerPushDevice/
// pushDevicesFor/save/loadPushDevices: this plumbing is currently
// unreachable from any IMAP command (XAPPLEPUSHSERVICE always rejects),
// but it remains correct, exercised storage backing the shared
// imap.Session/imap.Notifier interface contract.
func TestPushDeviceRegistryRoundTrip(t *testing.T) {
	root := t.TempDir()
	a := &Account{root: root, pushDevices: make(map[string][]imapparser.ApplePushDevice)}

	dev := imapparser.ApplePushDevice{DeviceToken: "abc123"}
	if err := a.registerPushDevice("INBOX", dev); err != nil {
		t.Fatalf("registerPushDevice: %v", err)
	}
	// registering the same token twice must not duplicate it.
	if err := a.registerPushDevice("INBOX", dev); err != nil {
		t.Fatalf("registerPushDevice (dup): %v", err)
	}
	got := a.pushDevicesFor("INBOX")
	if len(got) != 1 || got[0].DeviceToken != "abc123" {
		t.Fatalf("expected exactly one registered device, got %+v", got)
	}

	reloaded, err := loadPushDevices(root)
	if err != nil {
		t.Fatalf("loadPushDevices: %v", err)
	}
	if len(reloaded["INBOX"]) != 1 || reloaded["INBOX"][0].DeviceToken != "abc123" {
		t.Fatalf("push device registry did not survive reload: %+v", reloaded)
	}
}

// TestSessionListMailboxNamesSortsInboxFirst exercises the LIST ordering
// rule: INBOX sorts before every other mailbox name regardless of
// alphabetical order.
func TestSessionListMailboxNamesSortsInboxFirst(t *testing.T) {
	a := newTestAccount(t, "")
	a.names = map[string]string{"a": "Zebra", "b": "INBOX", "c": "Archive"}
	s := NewSession(a)

	names, err := s.listMailboxNames()
	if err != nil {
		t.Fatalf("listMailboxNames: %v", err)
	}
	if len(names) != 3 || names[0] != "INBOX" {
		t.Fatalf("expected INBOX first, got %v", names)
	}
	if s.InstanceID() == "" {
		t.Fatalf("expected NewSession to assign a non-empty instance id")
	}
}

// TestSessionCreateMailboxPassesUpstreamAndOpensLocalDir exercises
// CreateMailbox's upstream-then-local sequencing (spec §4.5).
func TestSessionCreateMailboxPassesUpstreamAndOpensLocalDir(t *testing.T) {
	srv := newFakeUpstreamServer(t)
	a := newTestAccount(t, srv.Addr())
	s := NewSession(a)

	if err := s.CreateMailbox([]byte("Archive"), 0); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	a.mu.Lock()
	_, ok := a.dirs["Archive"]
	a.mu.Unlock()
	if !ok {
		t.Fatalf("expected a local imaildir to be opened for the new mailbox")
	}
}

// TestSessionDeleteMailboxFreezesThenDrops exercises DeleteMailbox's
// freeze discipline (spec §4.5 Rename/delete): the target is frozen for
// the duration of the upstream round trip and dropped locally only once
// it succeeds.
func TestSessionDeleteMailboxFreezesThenDrops(t *testing.T) {
	srv := newFakeUpstreamServer(t)
	a := newTestAccount(t, srv.Addr())
	s := NewSession(a)

	sanitized := sanitizeMailboxName("Archive")
	ad := newTestAcctDir(t, a, a.root+"/mail/"+sanitized)
	a.dirs["Archive"] = ad
	a.names[sanitized] = "Archive"

	if err := s.DeleteMailbox([]byte("Archive")); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}
	a.mu.Lock()
	_, stillThere := a.dirs["Archive"]
	a.mu.Unlock()
	if stillThere {
		t.Fatalf("expected local imaildir to be dropped after a successful DELETE")
	}
	if ad.dir.Frozen() {
		t.Fatalf("expected freeze to be released once DELETE completed")
	}
}

// TestSessionRenameMailboxRelocatesLocalDir exercises RenameMailbox's
// upstream-then-local relocation.
func TestSessionRenameMailboxRelocatesLocalDir(t *testing.T) {
	srv := newFakeUpstreamServer(t)
	a := newTestAccount(t, srv.Addr())
	s := NewSession(a)

	sanitized := sanitizeMailboxName("Old")
	ad := newTestAcctDir(t, a, a.root+"/mail/"+sanitized)
	a.dirs["Old"] = ad
	a.names[sanitized] = "Old"

	if err := s.RenameMailbox([]byte("Old"), []byte("New")); err != nil {
		t.Fatalf("RenameMailbox: %v", err)
	}
	a.mu.Lock()
	_, oldStillThere := a.dirs["Old"]
	_, newThere := a.dirs["New"]
	a.mu.Unlock()
	if oldStillThere {
		t.Fatalf("expected old mailbox name to be gone after rename")
	}
	if !newThere {
		t.Fatalf("expected new mailbox name to be present after rename")
	}
}

// stubSyncer is a minimal imaildir.Syncer that never reports new state
// and blocks in Idle until canceled, just enough to let getDir's
// Downloader goroutine run without a real upstream sync connection.
type stubSyncer struct{}

func (stubSyncer) InitialSync(ctx context.Context, dir *imaildir.Dir) (uint32, int64, error) {
	return 0, 0, nil
}

func (stubSyncer) Idle(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// newTestAcctDir opens a local imaildir and wires a real (stub-driven)
// Downloader for it, so acctDir's production teardown paths (dropDir,
// renameDir), which unconditionally call dl.Stop/dl.Done, have a live
// Downloader to operate on.
func newTestAcctDir(t *testing.T, a *Account, path string) *acctDir {
	t.Helper()
	dir, err := imaildir.Open(path, a.filer, nil)
	if err != nil {
		t.Fatalf("imaildir.Open: %v", err)
	}
	dl := imaildir.NewDownloader(dir, stubSyncer{}, nil)
	upAcc := dir.Register(true)
	go dl.Run(a.ctx)
	dl.NotifyAccessorChange()
	return &acctDir{dir: dir, dl: dl, upAcc: upAcc}
}

// openTestMailbox wires a Mailbox directly against a fresh local Dir and
// the fake upstream connection, bypassing Account/Session for tests that
// only need the Append/Fetch path.
func openTestMailbox(t *testing.T, addr string, kd *keydir.Keydir) (*Mailbox, func()) {
	t.Helper()
	filer := iox.NewFiler(0)
	dir, err := imaildir.Open(t.TempDir(), filer, nil)
	if err != nil {
		t.Fatalf("imaildir.Open: %v", err)
	}
	view := imaildir.OpenView(dir, false)

	up, err := imapclient.Dial(addr, filer, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := up.ReadResponse(); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	mbox := &Mailbox{id: 1, name: "INBOX", dir: dir, view: view, up: up, kd: kd, filer: filer}
	cleanup := func() {
		up.Cancel()
		view.Close()
		dir.Close()
	}
	return mbox, cleanup
}

// TestMailboxAppendEncryptsOnDiskAndDecryptsOnFetch exercises spec §8
// scenario 3 end to end: APPEND stages ciphertext, relays it upstream,
// and persists it locally under the server-assigned UID; a subsequent
// Fetch must transparently decrypt it back to the original plaintext.
func TestMailboxAppendEncryptsOnDiskAndDecryptsOnFetch(t *testing.T) {
	srv := newFakeUpstreamServer(t)
	kd := newTestKeydir(t)
	mbox, cleanup := openTestMailbox(t, srv.Addr(), kd)
	defer cleanup()

	plaintext := "Subject: hello\r\nFrom: a@example.com\r\n\r\nbody text\r\n"
	data := mbox.filer.BufferFile(0)
	defer data.Close()
	if _, err := data.Write([]byte(plaintext)); err != nil {
		t.Fatalf("write plaintext: %v", err)
	}

	uid, err := mbox.Append([][]byte{[]byte(`\Seen`)}, time.Now(), data)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if uid != 1 {
		t.Fatalf("expected upstream-assigned UID 1, got %d", uid)
	}

	raw, err := os.ReadFile(mbox.dir.ContentPath(uid))
	if err != nil {
		t.Fatalf("read content file: %v", err)
	}
	if !strings.HasPrefix(string(raw), pemenvBeginMarker) {
		t.Fatalf("expected on-disk content to be pemenv ciphertext, got %q", raw[:40])
	}

	var fetched *email.Msg
	err = mbox.Fetch(true, []imapparser.SeqRange{{Min: uid, Max: uid}}, 0, func(m imap.Message) {
		fetched = m.(*message).Msg()
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched == nil {
		t.Fatalf("expected the appended message to be fetched back")
	}
	if !fetched.Encrypted {
		t.Fatalf("expected fetched message to report Encrypted")
	}
	body, err := io.ReadAll(fetched.Parts[len(fetched.Parts)-1].Content)
	if err != nil {
		t.Fatalf("read decrypted body: %v", err)
	}
	if !strings.Contains(string(body), "body text") {
		t.Fatalf("decrypted body missing original text, got %q", body)
	}
}

// TestMessageNotForMeWhenKeyUnknown exercises spec §8 scenario 5: a
// message encrypted to a fingerprint this account's keydir does not
// hold must surface as the NotForMe diagnostic placeholder instead of a
// decode failure.
func TestMessageNotForMeWhenKeyUnknown(t *testing.T) {
	filer := iox.NewFiler(0)
	dir, err := imaildir.Open(t.TempDir(), filer, nil)
	if err != nil {
		t.Fatalf("imaildir.Open: %v", err)
	}
	defer dir.Close()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKd, err := keydir.New(otherKey, nil)
	if err != nil {
		t.Fatalf("keydir.New: %v", err)
	}

	plain := strings.NewReader("Subject: secret\r\n\r\nnot for this account\r\n")
	enc := filer.BufferFile(0)
	defer enc.Close()
	if err := pemenv.Encrypt(enc, keydirRecipients(otherKd), plain); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	content, err := os.Create(dir.ContentPath(1))
	if err != nil {
		t.Fatalf("create content file: %v", err)
	}
	if _, err := io.Copy(content, enc); err != nil {
		t.Fatalf("write ciphertext: %v", err)
	}
	content.Close()

	myKd := newTestKeydir(t)
	mbox := &Mailbox{id: 1, name: "INBOX", dir: dir, kd: myKd, filer: filer}
	raw := imaildir.Msg{UID: 1, Downloaded: true, RFC822Len: 64}
	m := &message{mbox: mbox, raw: raw}

	got := m.Msg()
	if !got.NotForMe {
		t.Fatalf("expected NotForMe for a message encrypted to an unknown key")
	}
	body, err := io.ReadAll(got.Parts[0].Content)
	if err != nil {
		t.Fatalf("read placeholder body: %v", err)
	}
	if !strings.Contains(string(body), "could not be decrypted") {
		t.Fatalf("unexpected placeholder body: %q", body)
	}
}
