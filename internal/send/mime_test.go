package send

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/courierd/courierd/internal/store"
)

func TestBuildMIMEAlternative(t *testing.T) {
	msg := &store.Message{
		ID:       "msg-1",
		From:     "sender@example.com",
		FromName: "Sender",
		To:       []string{"a@example.org", "b@example.org"},
		CC:       []string{"c@example.org"},
		ReplyTo:  "replies@example.com",
		Subject:  "hello world",
		Text:     "plain body",
		HTML:     "<p>html body</p>",
		Headers:  map[string]string{"X-Campaign": "spring"},
	}

	data, err := BuildMIME(msg, "mail.example.com")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	out := string(data)

	for _, want := range []string{
		"From: Sender <sender@example.com>\r\n",
		"To: a@example.org, b@example.org\r\n",
		"Cc: c@example.org\r\n",
		"Reply-To: replies@example.com\r\n",
		"Subject: hello world\r\n",
		"Message-ID: <msg-1@mail.example.com>\r\n",
		"MIME-Version: 1.0\r\n",
		"X-Campaign: spring\r\n",
		"Content-Type: multipart/alternative;",
		"plain body",
		"<p>html body</p>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("message missing %q", want)
		}
	}

	// text part must come before the html part
	if strings.Index(out, "text/plain") > strings.Index(out, "text/html") {
		t.Error("text/plain part should precede text/html")
	}
}

func TestBuildMIMEWithAttachment(t *testing.T) {
	msg := &store.Message{
		ID:      "msg-1",
		From:    "sender@example.com",
		To:      []string{"a@example.org"},
		Subject: "report",
		Text:    "see attached",
		HTML:    "<p>see attached</p>",
		Attachments: []store.Attachment{
			{
				Filename:    "report.txt",
				Content:     base64.StdEncoding.EncodeToString([]byte("quarterly numbers")),
				ContentType: "text/plain",
			},
		},
	}

	data, err := BuildMIME(msg, "mail.example.com")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	out := string(data)

	if !strings.Contains(out, "Content-Type: multipart/mixed;") {
		t.Error("outer part should be multipart/mixed")
	}
	if !strings.Contains(out, "multipart/alternative;") {
		t.Error("body should nest as multipart/alternative")
	}
	if !strings.Contains(out, `Content-Disposition: attachment; filename="report.txt"`) {
		t.Error("attachment disposition header missing")
	}
	if !strings.Contains(out, base64.StdEncoding.EncodeToString([]byte("quarterly numbers"))) {
		t.Error("attachment content missing")
	}
}

func TestBuildMIMEInlineAttachment(t *testing.T) {
	msg := &store.Message{
		ID:      "msg-1",
		From:    "sender@example.com",
		To:      []string{"a@example.org"},
		Subject: "logo",
		HTML:    `<img src="cid:logo123">`,
		Attachments: []store.Attachment{
			{
				Filename:    "logo.png",
				Content:     base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}),
				ContentType: "image/png",
				ContentID:   "logo123",
				Disposition: "inline",
			},
		},
	}

	data, err := BuildMIME(msg, "mail.example.com")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "Content-Id: <logo123>") && !strings.Contains(out, "Content-ID: <logo123>") {
		t.Error("Content-ID header missing")
	}
	if !strings.Contains(out, "Content-Disposition: inline;") {
		t.Error("inline disposition missing")
	}
}

func TestBuildMIMERejectsBadAttachment(t *testing.T) {
	msg := &store.Message{
		ID: "msg-1", From: "s@example.com", To: []string{"a@example.org"},
		Subject: "x", Text: "y",
		Attachments: []store.Attachment{
			{Filename: "bad.bin", Content: "not base64!!!"},
		},
	}
	if _, err := BuildMIME(msg, "mail.example.com"); err == nil {
		t.Error("BuildMIME() accepted invalid base64 attachment content")
	}
}

func TestBuildMIMETextOnly(t *testing.T) {
	msg := &store.Message{
		ID: "msg-1", From: "s@example.com", To: []string{"a@example.org"},
		Subject: "x", Text: "just text",
	}
	data, err := BuildMIME(msg, "mail.example.com")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	out := string(data)
	if strings.Contains(out, "multipart/") {
		t.Error("single-body message should not be multipart")
	}
	if !strings.Contains(out, "Content-Type: text/plain; charset=utf-8") {
		t.Error("text content type missing")
	}
	if !strings.Contains(out, "just text") {
		t.Error("body missing")
	}
}
