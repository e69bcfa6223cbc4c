package imapclient

import (
	"bufio"
	"strings"
	"testing"

	"splintermail.com/citm/imap/imapparser"
)

func mustResponse(t *testing.T, raw string) *imapparser.Response {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	resp, err := readResponse(br, nil)
	if err != nil {
		t.Fatalf("readResponse(%q): %v", raw, err)
	}
	return resp
}

func TestReadResponseTaggedOK(t *testing.T) {
	resp := mustResponse(t, "A1 OK LOGIN completed\r\n")
	if string(resp.Tag) != "A1" || resp.Kind != imapparser.RespStatus || resp.Status != "OK" {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseUntaggedOKWithCode(t *testing.T) {
	resp := mustResponse(t, "* OK [UIDVALIDITY 123] UIDs valid\r\n")
	if resp.Kind != imapparser.RespStatus || resp.Code == nil || resp.Code.Name != "UIDVALIDITY" {
		t.Fatalf("got %+v", resp)
	}
	if len(resp.Code.Nums) != 1 || resp.Code.Nums[0] != 123 {
		t.Fatalf("got code %+v", resp.Code)
	}
}

func TestReadResponseExists(t *testing.T) {
	resp := mustResponse(t, "* 23 EXISTS\r\n")
	if resp.Kind != imapparser.RespExists || resp.Num != 23 {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseExpunge(t *testing.T) {
	resp := mustResponse(t, "* 5 EXPUNGE\r\n")
	if resp.Kind != imapparser.RespExpunge || resp.Num != 5 {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseCapability(t *testing.T) {
	resp := mustResponse(t, "* CAPABILITY IMAP4rev1 UIDPLUS IDLE\r\n")
	if resp.Kind != imapparser.RespCapa || len(resp.Caps) != 3 || resp.Caps[1] != "UIDPLUS" {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseFlags(t *testing.T) {
	resp := mustResponse(t, `* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`+"\r\n")
	if resp.Kind != imapparser.RespFlags || len(resp.Flags) != 5 {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseSearch(t *testing.T) {
	resp := mustResponse(t, "* SEARCH 2 3 6\r\n")
	if resp.Kind != imapparser.RespSearch || len(resp.SearchNums) != 3 || resp.SearchNums[2] != 6 {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseFetchUIDAndFlags(t *testing.T) {
	resp := mustResponse(t, `* 12 FETCH (UID 100 FLAGS (\Seen))`+"\r\n")
	if resp.Kind != imapparser.RespFetch || resp.Num != 12 || resp.FetchUID != 100 {
		t.Fatalf("got %+v", resp)
	}
	var sawFlags bool
	for _, a := range resp.FetchAttrs {
		if a.Type == imapparser.FetchFlags {
			sawFlags = true
			if len(a.Flags) != 1 || string(a.Flags[0]) != `\Seen` {
				t.Fatalf("got flags %+v", a.Flags)
			}
		}
	}
	if !sawFlags {
		t.Fatalf("missing FLAGS attr in %+v", resp.FetchAttrs)
	}
}

func TestReadResponseFetchBodyLiteral(t *testing.T) {
	raw := "* 1 FETCH (UID 9 BODY[] {5}\r\nhello)\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	resp, err := readResponse(br, nil)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	var body []byte
	for _, a := range resp.FetchAttrs {
		if a.Type == imapparser.FetchBody {
			body = a.Literal
		}
	}
	if string(body) != "hello" {
		t.Fatalf("got body %q", body)
	}
}

func TestReadResponseVanishedEarlier(t *testing.T) {
	resp := mustResponse(t, "* VANISHED (EARLIER) 1:3,7\r\n")
	if resp.Kind != imapparser.RespVanished || !resp.VanishedEarlier {
		t.Fatalf("got %+v", resp)
	}
	if len(resp.VanishedUIDs) != 2 {
		t.Fatalf("got ranges %+v", resp.VanishedUIDs)
	}
}

func TestReadResponsePlusContinuation(t *testing.T) {
	resp := mustResponse(t, "+ Ready for literal data\r\n")
	if resp.Kind != imapparser.RespPlus {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseList(t *testing.T) {
	resp := mustResponse(t, `* LIST (\HasNoChildren) "/" INBOX`+"\r\n")
	if resp.Kind != imapparser.RespList || resp.List.Delimiter != '/' || string(resp.List.Mailbox) != "INBOX" {
		t.Fatalf("got %+v", resp)
	}
}

func TestReadResponseStatus(t *testing.T) {
	resp := mustResponse(t, "* STATUS INBOX (MESSAGES 5 UIDNEXT 10)\r\n")
	if resp.Kind != imapparser.RespStatusMB || string(resp.StatusMailbox) != "INBOX" {
		t.Fatalf("got %+v", resp)
	}
	if resp.StatusAttrs[imapparser.StatusMessages] != 5 || resp.StatusAttrs[imapparser.StatusUIDNext] != 10 {
		t.Fatalf("got attrs %+v", resp.StatusAttrs)
	}
}

func TestReadResponseXKeySyncDeleted(t *testing.T) {
	resp := mustResponse(t, "* XKEYSYNC DELETED abc123fingerprint\r\n")
	if resp.Kind != imapparser.RespXKeyDel || string(resp.XKeyFingerprint) != "abc123fingerprint" {
		t.Fatalf("got %+v", resp)
	}
}
