package pemenv

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"splintermail.com/citm/crypto/fingerprint"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	alice := genKey(t)
	bob := genKey(t)

	aliceFP, err := fingerprint.Of(&alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bobFP, err := fingerprint.Of(&bob.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := "Hello, Bob and Alice! This is a secret message."

	var env bytes.Buffer
	recipients := []Recipient{
		{Fingerprint: aliceFP, PublicKey: &alice.PublicKey},
		{Fingerprint: bobFP, PublicKey: &bob.PublicKey},
	}
	if err := Encrypt(&env, recipients, strings.NewReader(plaintext)); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(env.String(), beginLine) || !strings.Contains(env.String(), endLine) {
		t.Fatal("envelope missing BEGIN/END markers")
	}

	var out bytes.Buffer
	var found []string
	if err := Decrypt(&out, bytes.NewReader(env.Bytes()), bobFP, bob, &found); err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if out.String() != plaintext {
		t.Errorf("bob got %q, want %q", out.String(), plaintext)
	}
	if len(found) != 2 {
		t.Errorf("found=%v, want 2 entries", found)
	}

	out.Reset()
	if err := Decrypt(&out, bytes.NewReader(env.Bytes()), aliceFP, alice, nil); err != nil {
		t.Fatalf("alice decrypt: %v", err)
	}
	if out.String() != plaintext {
		t.Errorf("alice got %q, want %q", out.String(), plaintext)
	}
}

func TestNotForMe(t *testing.T) {
	alice := genKey(t)
	eve := genKey(t)

	aliceFP, err := fingerprint.Of(&alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	eveFP, err := fingerprint.Of(&eve.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	var env bytes.Buffer
	recipients := []Recipient{{Fingerprint: aliceFP, PublicKey: &alice.PublicKey}}
	if err := Encrypt(&env, recipients, strings.NewReader("secret")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = Decrypt(&out, bytes.NewReader(env.Bytes()), eveFP, eve, nil)
	if err != ErrNotForMe {
		t.Errorf("err=%v, want ErrNotForMe", err)
	}
	if out.Len() != 0 {
		t.Error("output written despite not-for-me error")
	}
}

func TestTamperedTagFailsAuth(t *testing.T) {
	alice := genKey(t)
	aliceFP, err := fingerprint.Of(&alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	var env bytes.Buffer
	recipients := []Recipient{{Fingerprint: aliceFP, PublicKey: &alice.PublicKey}}
	if err := Encrypt(&env, recipients, strings.NewReader("secret")); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(env.String(), "\n")
	// Flip a character in the last base64 body line (just before the tag
	// line) so ciphertext bytes change but base64 framing stays valid.
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 && lines[i][0] != '=' && !strings.HasPrefix(lines[i], "-----") {
			c := lines[i][0]
			repl := byte('A')
			if c == 'A' {
				repl = 'B'
			}
			lines[i] = string(repl) + lines[i][1:]
			break
		}
	}
	tampered := strings.Join(lines, "\n")

	var out bytes.Buffer
	err = Decrypt(&out, strings.NewReader(tampered), aliceFP, alice, nil)
	if err == nil {
		t.Fatal("expected an error decrypting tampered ciphertext")
	}
	if out.Len() != 0 {
		t.Error("output written despite authentication failure")
	}
}
