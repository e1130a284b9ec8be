package send

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/courierd/courierd/internal/store"
)

// BuildMIME renders a message into wire form. Text and HTML bodies go
// into a multipart/alternative part; when attachments are present that
// part nests inside multipart/mixed.
func BuildMIME(msg *store.Message, hostname string) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", formatAddress(msg.From, msg.FromName))
	writeHeader(&buf, "To", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		writeHeader(&buf, "Cc", strings.Join(msg.CC, ", "))
	}
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", msg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, hostname))
	writeHeader(&buf, "MIME-Version", "1.0")

	// Custom headers in stable order.
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(&buf, name, msg.Headers[name])
	}

	if len(msg.Attachments) > 0 {
		if err := writeMixed(&buf, msg); err != nil {
			return nil, err
		}
	} else if err := writeBody(&buf, msg); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

func formatAddress(email, name string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}

// writeBody emits the text/html content directly under the top-level
// headers
func writeBody(buf *bytes.Buffer, msg *store.Message) error {
	switch {
	case msg.Text != "" && msg.HTML != "":
		mw := multipart.NewWriter(buf)
		writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")
		if err := writeAlternativeParts(mw, msg); err != nil {
			return err
		}
		return mw.Close()
	case msg.HTML != "":
		return writeTextPart(buf, "text/html", msg.HTML)
	default:
		return writeTextPart(buf, "text/plain", msg.Text)
	}
}

// writeMixed wraps the body and attachments in multipart/mixed
func writeMixed(buf *bytes.Buffer, msg *store.Message) error {
	mw := multipart.NewWriter(buf)
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	if msg.Text != "" && msg.HTML != "" {
		var inner bytes.Buffer
		iw := multipart.NewWriter(&inner)
		if err := writeAlternativeParts(iw, msg); err != nil {
			return err
		}
		if err := iw.Close(); err != nil {
			return err
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", iw.Boundary())},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(inner.Bytes()); err != nil {
			return err
		}
	} else {
		contentType, content := "text/plain", msg.Text
		if msg.HTML != "" {
			contentType, content = "text/html", msg.HTML
		}
		if err := writePart(mw, contentType, content); err != nil {
			return err
		}
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAlternativeParts(mw *multipart.Writer, msg *store.Message) error {
	// text/plain first; clients prefer the last alternative part.
	if err := writePart(mw, "text/plain", msg.Text); err != nil {
		return err
	}
	return writePart(mw, "text/html", msg.HTML)
}

func writePart(mw *multipart.Writer, contentType, content string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qw := quotedprintable.NewWriter(part)
	if _, err := qw.Write([]byte(content)); err != nil {
		return err
	}
	return qw.Close()
}

// writeTextPart emits a single-part body under the top-level headers
func writeTextPart(buf *bytes.Buffer, contentType, content string) error {
	writeHeader(buf, "Content-Type", contentType+"; charset=utf-8")
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	qw := quotedprintable.NewWriter(buf)
	if _, err := qw.Write([]byte(content)); err != nil {
		return err
	}
	return qw.Close()
}

func writeAttachment(mw *multipart.Writer, att store.Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := att.Disposition
	if disposition == "" {
		disposition = "attachment"
	}

	header := textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s; name=%q", contentType, att.Filename)},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("%s; filename=%q", disposition, att.Filename)},
	}
	if att.ContentID != "" {
		header.Set("Content-ID", fmt.Sprintf("<%s>", att.ContentID))
	}

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	// Attachment content arrives base64 encoded; re-wrap it to RFC
	// line lengths.
	raw, err := base64.StdEncoding.DecodeString(att.Content)
	if err != nil {
		return fmt.Errorf("attachment %s is not valid base64: %w", att.Filename, err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	for len(encoded) > 76 {
		part.Write([]byte(encoded[:76]))
		part.Write([]byte("\r\n"))
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		part.Write([]byte(encoded))
		part.Write([]byte("\r\n"))
	}
	return nil
}
