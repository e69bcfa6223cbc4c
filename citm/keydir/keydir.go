// Package keydir implements the per-account public keyring described in
// spec §4.4: the account owner's keypair, a reference-counted set of peer
// public keys, and a subscribe/notify bus that tells every SC bridge for
// the account about keys as they are added or deleted.
package keydir

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"splintermail.com/citm/crypto/fingerprint"
)

// PeerKey is one recipient public key held in a Keydir, reference-counted
// because the same key can be discovered by more than one route (the
// keysync stream, a fingerprint-watcher scan of existing mail) before it
// is forgotten by all of them.
type PeerKey struct {
	Fingerprint string
	Public      *rsa.PublicKey
	PEM         []byte
	refs        int
}

// Subscriber receives notifications when the peer keyset changes.
type Subscriber interface {
	KeyAdded(pk PeerKey)
	KeyDeleted(fingerprint string)
}

// Keydir is the in-memory (optionally disk-backed) keyring for one
// account. The zero value is not usable; construct with New or Load.
type Keydir struct {
	Logf func(format string, v ...interface{})

	dir string // persistence root; "" means in-memory only

	mu          sync.Mutex
	mykey       *rsa.PrivateKey
	mykeyPEM    []byte
	myFP        string
	peers       map[string]*PeerKey
	subscribers map[Subscriber]bool
}

// New constructs an in-memory Keydir around an already-generated keypair.
// Use this for tests; production callers use Load.
func New(mykey *rsa.PrivateKey, logf func(string, ...interface{})) (*Keydir, error) {
	kd := &Keydir{
		Logf:        logf,
		peers:       make(map[string]*PeerKey),
		subscribers: make(map[Subscriber]bool),
	}
	if err := kd.setMykey(mykey); err != nil {
		return nil, err
	}
	return kd, nil
}

// Load constructs a Keydir backed by dir, per spec §6.6's layout:
// keys/mykey.pem and keys/<fingerprint>.pem. dir must already contain
// mykey.pem; Keydir never generates a keypair itself.
func Load(dir string, logf func(string, ...interface{})) (*Keydir, error) {
	kd := &Keydir{
		Logf:        logf,
		dir:         dir,
		peers:       make(map[string]*PeerKey),
		subscribers: make(map[Subscriber]bool),
	}

	mykeyPEM, err := os.ReadFile(filepath.Join(dir, "mykey.pem"))
	if err != nil {
		return nil, eris.Wrap(err, "keydir: read mykey.pem")
	}
	block, _ := pem.Decode(mykeyPEM)
	if block == nil {
		return nil, eris.New("keydir: mykey.pem contains no PEM block")
	}
	mykey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, eris.Wrap(err, "keydir: parse mykey.pem")
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, eris.New("keydir: mykey.pem is not an RSA key")
		}
		mykey = rsaKey
	}
	if err := kd.setMykey(mykey); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrap(err, "keydir: list keys dir")
	}
	for _, ent := range entries {
		if ent.Name() == "mykey.pem" || filepath.Ext(ent.Name()) != ".pem" {
			continue
		}
		fp := ent.Name()[:len(ent.Name())-len(".pem")]
		raw, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "keydir: read peer key %s", fp)
		}
		pub, err := parsePublicPEM(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "keydir: parse peer key %s", fp)
		}
		kd.peers[fp] = &PeerKey{Fingerprint: fp, Public: pub, PEM: raw, refs: 1}
	}
	return kd, nil
}

func (kd *Keydir) setMykey(mykey *rsa.PrivateKey) error {
	fp, err := fingerprint.Of(&mykey.PublicKey)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKIXPublicKey(&mykey.PublicKey)
	if err != nil {
		return eris.Wrap(err, "keydir: marshal own public key")
	}
	kd.mykey = mykey
	kd.myFP = fp
	kd.mykeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return nil
}

// Mykey returns the account owner's private key.
func (kd *Keydir) Mykey() *rsa.PrivateKey {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return kd.mykey
}

// MyFingerprint returns the account owner's own key fingerprint.
func (kd *Keydir) MyFingerprint() string {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return kd.myFP
}

// MyPublicPEM returns the account owner's own public key, PEM-encoded,
// ready for an XKEYADD literal.
func (kd *Keydir) MyPublicPEM() []byte {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return kd.mykeyPEM
}

// Recipients returns mykey plus every currently-known peer key, the set
// CITM encrypts every outgoing message to (spec §4.5 Append).
func (kd *Keydir) Recipients() []Recipient {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	out := make([]Recipient, 0, len(kd.peers)+1)
	out = append(out, Recipient{Fingerprint: kd.myFP, Public: &kd.mykey.PublicKey})
	for _, pk := range kd.peers {
		out = append(out, Recipient{Fingerprint: pk.Fingerprint, Public: pk.Public})
	}
	return out
}

// Recipient is a (fingerprint, public key) pair suitable for
// crypto/pemenv.Encrypt.
type Recipient struct {
	Fingerprint string
	Public      *rsa.PublicKey
}

// Has reports whether fp is currently a known peer key (not mykey).
func (kd *Keydir) Has(fp string) bool {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	_, ok := kd.peers[fp]
	return ok
}

// Add registers (or increments the reference count of) a peer public key
// supplied as PEM, persists it if this Keydir is disk-backed, and
// notifies subscribers on first registration. Adding mykey itself is a
// no-op that still counts as "known" for XKEYSYNC suppression purposes.
func (kd *Keydir) Add(pemBytes []byte) (fp string, err error) {
	pub, err := parsePublicPEM(pemBytes)
	if err != nil {
		return "", eris.Wrap(err, "keydir: parse added key")
	}
	fp, err = fingerprint.Of(pub)
	if err != nil {
		return "", err
	}

	kd.mu.Lock()
	if fp == kd.myFP {
		kd.mu.Unlock()
		return fp, nil
	}
	pk, exists := kd.peers[fp]
	if exists {
		pk.refs++
		kd.mu.Unlock()
		return fp, nil
	}
	pk = &PeerKey{Fingerprint: fp, Public: pub, PEM: pemBytes, refs: 1}
	kd.peers[fp] = pk
	subs := kd.subsSnapshot()
	kd.mu.Unlock()

	if kd.dir != "" {
		path := filepath.Join(kd.dir, fmt.Sprintf("%s.pem", fp))
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return fp, eris.Wrapf(err, "keydir: persist peer key %s", fp)
		}
	}
	for _, s := range subs {
		s.KeyAdded(*pk)
	}
	return fp, nil
}

// Delete drops a reference to fp; the key is forgotten and subscribers
// are notified only once its reference count reaches zero.
func (kd *Keydir) Delete(fp string) {
	kd.mu.Lock()
	pk, ok := kd.peers[fp]
	if !ok {
		kd.mu.Unlock()
		return
	}
	pk.refs--
	if pk.refs > 0 {
		kd.mu.Unlock()
		return
	}
	delete(kd.peers, fp)
	subs := kd.subsSnapshot()
	kd.mu.Unlock()

	if kd.dir != "" {
		path := filepath.Join(kd.dir, fmt.Sprintf("%s.pem", fp))
		if err := os.Remove(path); err != nil && kd.Logf != nil {
			kd.Logf("keydir: remove peer key %s: %v", fp, err)
		}
	}
	for _, s := range subs {
		s.KeyDeleted(fp)
	}
}

// Subscribe registers s to receive Add/Delete notifications.
func (kd *Keydir) Subscribe(s Subscriber) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	kd.subscribers[s] = true
}

// Unsubscribe removes a previously-registered subscriber.
func (kd *Keydir) Unsubscribe(s Subscriber) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	delete(kd.subscribers, s)
}

func (kd *Keydir) subsSnapshot() []Subscriber {
	out := make([]Subscriber, 0, len(kd.subscribers))
	for s := range kd.subscribers {
		out = append(out, s)
	}
	return out
}

func parsePublicPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, eris.New("keydir: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, eris.Wrap(err, "keydir: parse PKIX public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, eris.New("keydir: not an RSA public key")
	}
	return rsaPub, nil
}
