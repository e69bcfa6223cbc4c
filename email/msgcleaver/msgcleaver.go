// Package msgcleaver decomposes a raw RFC 5322 message into an email.Msg
// tree of parts, sufficient for IMAP BODYSTRUCTURE emission and header
// extraction (spec: not a general-purpose MIME parser).
package msgcleaver

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/email"
	"splintermail.com/citm/email/imf"
)

// Cleave splits src into an email.Msg: headers, and a tree of Parts each
// with their own decoded Content. EncodedSize is set to the exact byte
// length of src, which is what RFC822.SIZE reports over IMAP.
func Cleave(filer *iox.Filer, src io.Reader) (*email.Msg, error) {
	msg, err := cleave(filer, src)
	if err != nil {
		return nil, eris.Wrap(err, "msgcleaver")
	}
	return msg, nil
}

func cleave(filer *iox.Filer, src io.Reader) (msgPtr *email.Msg, err error) {
	msg := new(email.Msg)
	defer func() {
		if err != nil {
			msg.Close()
		}
	}()

	h := sha256.New()
	lw := new(lengthWriter)
	r := bufio.NewReader(io.TeeReader(src, io.MultiWriter(h, lw)))

	imfr := imf.NewReader(r)
	msg.Headers, err = imfr.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	processPartFn := func(hdr email.Header, parentMediaType string, localPartNum int, r io.Reader) (err error) {
		var buf *iox.BufferFile
		defer func() {
			if err != nil && buf != nil {
				buf.Close()
			}
		}()

		mediaType, params, err := mime.ParseMediaType(string(hdr.Get("Content-Type")))
		if err != nil {
			mediaType = "text/plain"
			params = nil
		}

		switch strings.ToLower(string(hdr.Get("Content-Transfer-Encoding"))) {
		case "base64":
			r = base64.NewDecoder(base64.StdEncoding, r)
		case "quoted-printable":
			r = quotedprintable.NewReader(r)
		}

		isAttachment := false
		fileName := ""
		if d, dparams, err := mime.ParseMediaType(string(hdr.Get("Content-Disposition"))); err == nil {
			fileName = dparams["filename"]
			if strings.EqualFold(d, "attachment") {
				isAttachment = true
			}
		}
		if fileName == "" && params != nil {
			fileName = params["name"]
		}

		isBody := false
		switch parentMediaType {
		case "":
			if !strings.HasPrefix(mediaType, "multipart/") {
				isBody = true
			}
		case "multipart/alternative":
			isBody = true
		case "multipart/mixed":
			isBody = localPartNum == 0
			if len(hdr.Get("Content-Disposition")) == 0 {
				isAttachment = localPartNum > 0
			}
		case "multipart/related":
			isBody = localPartNum == 0
		}

		contentID := strings.TrimSuffix(strings.TrimPrefix(string(hdr.Get("Content-ID")), "<"), ">")

		buf = filer.BufferFile(0)
		if _, err = io.Copy(buf, r); err != nil {
			return err
		}
		if _, err := buf.Seek(0, 0); err != nil {
			return err
		}

		if mediaType == "image/jpg" { // yes people do this
			mediaType = "image/jpeg"
		}

		var compressedSize int64
		compress := true
		switch mediaType {
		case "image/jpeg", "image/png", "image/gif",
			"application/zip", "application/gzip",
			"application/x-gtar", "application/x-rar-compressed":
			compress = false // do not compress the uncompressable
		default:
			if buf.Size() < 1<<15 {
				compress = false // do not compress small parts
			}
		}
		if compress {
			clw := new(lengthWriter)
			gzw := gzip.NewWriter(clw)
			if _, err := io.Copy(gzw, buf); err != nil {
				return err
			}
			if err := gzw.Close(); err != nil {
				return err
			}
			compressedSize = clw.n
			compress = float64(clw.n)/float64(buf.Size()) < 0.9
			if _, err := buf.Seek(0, 0); err != nil {
				return err
			}
		}

		p := email.Part{
			PartNum:        len(msg.Parts),
			Name:           fileName,
			IsBody:         isBody,
			IsAttachment:   isAttachment,
			IsCompressed:   compress,
			CompressedSize: compressedSize,
			ContentType:    mediaType,
			ContentID:      contentID,
			Content:        buf,
		}
		msg.Parts = append(msg.Parts, p)

		return nil
	}
	if err := walkMime(msg.Headers, processPartFn, r); err != nil {
		return nil, fmt.Errorf("cannot process mime part: %v", err)
	}
	// Drain anything unread so the length/hash writers see the whole message.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}

	hash := h.Sum(make([]byte, 0, sha256.Size))
	msg.Seed = int64(binary.LittleEndian.Uint64(hash))
	msg.RawHash = base64.StdEncoding.EncodeToString(hash)
	msg.EncodedSize = lw.n

	return msg, nil
}

func walkMime(hdr email.Header, fn func(hdr email.Header, parentMediaType string, localPartNum int, r io.Reader) error, r io.Reader) error {
	return walkMimeRec(hdr, fn, "", 0, r)
}

func walkMimeRec(hdr email.Header, fn func(hdr email.Header, parentMediaType string, localPartNum int, r io.Reader) error, parentMediaType string, localPartNum int, r io.Reader) error {
	mediaType, params, err := mime.ParseMediaType(string(hdr.Get("Content-Type")))

	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("walkMime: corrupt mime part: %v", err)
			}
			if err := walkMimeRec(mimeHeader(part.Header), fn, mediaType, i, part); err != nil {
				return err
			}
		}
		return nil
	}
	return fn(hdr, parentMediaType, localPartNum, r)
}

// mimeHeader converts a net/textproto.MIMEHeader (as produced by
// mime/multipart) into the email.Header shape used throughout this package.
func mimeHeader(h textproto.MIMEHeader) email.Header {
	eh := email.Header{Index: make(map[email.Key][][]byte)}
	for k, vv := range h {
		key := email.CanonicalKey([]byte(k))
		for _, v := range vv {
			val := []byte(v)
			eh.Index[key] = append(eh.Index[key], val)
			eh.Entries = append(eh.Entries, email.HeaderEntry{Key: key, Value: val})
		}
	}
	return eh
}

type lengthWriter struct{ n int64 }

func (w *lengthWriter) Write(p []byte) (n int, err error) {
	w.n += int64(len(p))
	return len(p), nil
}
