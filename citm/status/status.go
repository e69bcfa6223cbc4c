// Package status implements the control-socket protocol described in
// spec §6.4: a JSON-lines protocol over a UNIX socket between the
// long-running citm daemon and a local control tool, reporting TLS/ACME
// progress. Grounded on the teacher's "small dedicated protocol struct
// with an injected Logf" shape (imap/imapserver.Server, spilldb/db.
// Authenticator) and on encoding/json's native support for streaming a
// sequence of independently-decodable values over one connection, which
// is exactly what "JSON-lines" is.
package status

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/crypto/bcrypt"
	"splintermail.com/citm/util/xstream"
)

// MajorStatus is the TLS/ACME top-level state spec §6.4 names.
type MajorStatus string

const (
	NoTLS       MajorStatus = "no_tls"
	ManualCert  MajorStatus = "manual_cert"
	NeedConf    MajorStatus = "need_conf"
	TLSFirst    MajorStatus = "tls_first"
	TLSExpired  MajorStatus = "tls_expired"
	TLSRenew    MajorStatus = "tls_renew"
	TLSGood     MajorStatus = "tls_good"
)

// MinorStatus is the ACME sub-state spec §6.4 names, supplemented from
// original_source/libcitm/status.h per SPEC_FULL.md even though the ACME
// manager producing most of these transitions is itself out of scope:
// citm/status must still speak a wire-compatible enum to a real operator
// tool.
type MinorStatus string

const (
	MinorNone              MinorStatus = "none"
	MinorCreateAccount     MinorStatus = "create_account"
	MinorReload            MinorStatus = "reload"
	MinorCreateOrder       MinorStatus = "create_order"
	MinorGetAuthz          MinorStatus = "get_authz"
	MinorPrepareChallenge  MinorStatus = "prepare_challenge"
	MinorCompleteChallenge MinorStatus = "complete_challenge"
	MinorGenerateKey       MinorStatus = "generate_key"
	MinorFinalizeOrder     MinorStatus = "finalize_order"
	MinorRetry             MinorStatus = "retry"
)

// Status is the server-to-client message shape spec §6.4 defines
// verbatim.
type Status struct {
	VersionMaj  int         `json:"version_maj"`
	VersionMin  int         `json:"version_min"`
	VersionPat  int         `json:"version_patch"`
	FullDomain  string      `json:"fulldomain"`
	StatusMaj   MajorStatus `json:"status_maj"`
	StatusMin   MinorStatus `json:"status_min"`
	Configured  bool        `json:"configured"`
	TLSReady    bool        `json:"tls_ready"`
}

// request is the one client-to-server message shape spec §6.4 defines.
type request struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// Server accepts connections on a UNIX socket, sends the current Status
// immediately on connect, and again every time Set changes it, per spec
// §6.4 ("server emits one message on connect, and again any time the
// exposed state changes").
type Server struct {
	Logf func(string, ...interface{})

	// TokenHash, if set, is a bcrypt hash a client's "check" request must
	// match (in its Token field) before receiving status updates — the
	// local control-socket bearer token SPEC_FULL.md's domain stack table
	// assigns to golang.org/x/crypto/bcrypt, the teacher's own password
	// hashing dependency from spilldb/db/auth.go.
	TokenHash []byte

	mu      sync.Mutex
	current Status
	conns   map[*conn]struct{}

	ln net.Listener
	sd *xstream.Shutdown
}

type conn struct {
	c     net.Conn
	id    string // uuid, for correlating this connection's log lines
	queue *xstream.Queue[Status]
}

// NewServer constructs a Server reporting initial as its first Status.
func NewServer(initial Status, logf func(string, ...interface{})) *Server {
	return &Server{
		Logf:    logf,
		current: initial,
		conns:   make(map[*conn]struct{}),
		sd:      xstream.NewShutdown(),
	}
}

// Listen binds the UNIX socket at path and begins accepting connections
// in the background. Callers shut down with Close.
func (s *Server) Listen(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return eris.Wrapf(err, "status: listen %s", path)
	}
	s.ln = ln
	s.sd.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.sd.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.sd.Signaled():
				return
			default:
				if s.Logf != nil {
					s.Logf("status: accept: %v", err)
				}
				return
			}
		}
		s.sd.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer s.sd.Done()
	defer nc.Close()

	cn := &conn{c: nc, id: uuid.NewString(), queue: xstream.New[Status](nil)}
	if s.Logf != nil {
		s.Logf("status[%s]: connected", cn.id)
	}
	s.register(cn)
	defer s.unregister(cn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(cn)
	}()

	br := bufio.NewReader(nc)

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var req request
			if jerr := json.Unmarshal(line, &req); jerr != nil {
				if s.Logf != nil {
					s.Logf("status[%s]: malformed request: %v", cn.id, jerr)
				}
				continue
			}
			if req.Action == "check" && s.authorized(req.Token) {
				cn.queue.Push(s.snapshot())
			}
		}
		if err != nil {
			cn.queue.Close()
			<-done
			if s.Logf != nil {
				s.Logf("status[%s]: disconnected", cn.id)
			}
			return
		}
	}
}

func (s *Server) writeLoop(cn *conn) {
	enc := json.NewEncoder(cn.c)
	for {
		st, ok := cn.queue.Pop()
		if !ok {
			return
		}
		if err := enc.Encode(st); err != nil {
			return
		}
	}
}

func (s *Server) authorized(token string) bool {
	if len(s.TokenHash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(s.TokenHash, []byte(token)) == nil
}

func (s *Server) register(cn *conn) {
	s.mu.Lock()
	s.conns[cn] = struct{}{}
	st := s.current
	s.mu.Unlock()
	cn.queue.Push(st)
}

func (s *Server) unregister(cn *conn) {
	s.mu.Lock()
	delete(s.conns, cn)
	s.mu.Unlock()
}

func (s *Server) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the current Status and pushes it to every connected
// client, per spec §6.4's "again any time the exposed state changes."
func (s *Server) Set(st Status) {
	s.mu.Lock()
	s.current = st
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.Unlock()
	for _, cn := range conns {
		cn.queue.Push(st)
	}
}

// Close stops accepting new connections and waits for every in-flight
// connection goroutine to return, per spec §5's two-phase shutdown.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.sd.Wait()
	return err
}

// HashToken bcrypt-hashes a bearer token for use as Server.TokenHash.
func HashToken(token string) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, eris.Wrap(err, "status: hash token")
	}
	return h, nil
}
