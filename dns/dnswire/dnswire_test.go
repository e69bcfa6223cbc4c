package dnswire

import "testing"

func buildQuery(t *testing.T, name string, qtype uint16, edns bool) []byte {
	t.Helper()
	var buf []byte
	hdr := Header{ID: 0x1234, RD: true, QDCount: 1}
	if edns {
		hdr.ARCount = 1
	}
	buf = appendHeader(buf, hdr)
	buf = appendName(buf, name)
	buf = append(buf, byte(qtype>>8), byte(qtype))
	buf = append(buf, 0, ClassIN)
	if edns {
		buf = append(buf, 0)                            // root name
		buf = append(buf, byte(TypeOPT>>8), byte(TypeOPT&0xff)) // type
		buf = append(buf, 0x10, 0x00)                   // UDP size 4096 (rrClass field)
		buf = append(buf, 0, 0, 0, 0) // ttl: extrcode, version, flags
		buf = append(buf, 0, 0)       // rdlen 0
	}
	return buf
}

func TestParseSimpleQuery(t *testing.T) {
	raw := buildQuery(t, "example.com", TypeA, false)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Header.ID != 0x1234 {
		t.Fatalf("expected ID 0x1234, got %#x", msg.Header.ID)
	}
	if msg.Question.Name != "example.com" {
		t.Fatalf("expected example.com, got %q", msg.Question.Name)
	}
	if msg.Question.Type != TypeA {
		t.Fatalf("expected TypeA, got %d", msg.Question.Type)
	}
	if msg.EDNS.Present {
		t.Fatal("expected no EDNS")
	}
}

func TestParseQueryWithEDNS(t *testing.T) {
	raw := buildQuery(t, "acme-challenge.example.com", TypeTXT, true)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.EDNS.Present {
		t.Fatal("expected EDNS present")
	}
	if msg.EDNS.UDPSize != 0x1000 {
		t.Fatalf("expected UDP size 4096, got %d", msg.EDNS.UDPSize)
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	if _, err := Parse([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestParseRejectsForwardPointer(t *testing.T) {
	raw := buildQuery(t, "example.com", TypeA, false)
	// Corrupt the first label length byte into a forward-pointing
	// compression pointer (0xc0 high bits, offset past itself).
	raw[HeaderSize] = 0xc0
	raw[HeaderSize+1] = 0xff
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for forward/self pointer")
	}
}

func TestEncodeErrorResponseEchoesQuestion(t *testing.T) {
	raw := buildQuery(t, "example.com", TypeA, false)
	q, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resp := EncodeErrorResponse(q, RCodeNXDomain)
	respMsg, err := Parse(resp)
	if err != nil {
		t.Fatalf("Parse(resp): %v", err)
	}
	if !respMsg.Header.QR {
		t.Fatal("expected QR set in response")
	}
	if respMsg.Header.RCode != RCodeNXDomain {
		t.Fatalf("expected RCodeNXDomain, got %d", respMsg.Header.RCode)
	}
	if respMsg.Question.Name != "example.com" {
		t.Fatalf("expected echoed question name, got %q", respMsg.Question.Name)
	}
}

func TestHeaderFlagsRoundTrip(t *testing.T) {
	h := Header{AA: true, TC: true, RD: true, RA: true, Opcode: 2, RCode: 3}
	got := decodeFlags(h.encodeFlags())
	if got.AA != h.AA || got.TC != h.TC || got.RD != h.RD || got.RA != h.RA {
		t.Fatalf("flag round trip mismatch: %+v", got)
	}
	if got.Opcode != h.Opcode || got.RCode != h.RCode {
		t.Fatalf("opcode/rcode round trip mismatch: %+v", got)
	}
}
