package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sendgridHeaderBlob = "Received: by mx.sendgrid.net\n" +
	"Date: Mon, 15 Jan 2024 10:30:00 +0000\n" +
	"From: Alice <alice@example.com>\n" +
	"Message-ID: <sg-2@example.com>\n" +
	"In-Reply-To: <sg-1@example.com>\n" +
	"References: <sg-root@example.com>\n" +
	" <sg-1@example.com>\n" +
	"Subject: Re: Broken widget\n"

func TestSendGridParse(t *testing.T) {
	adapter := NewSendGridAdapter()

	t.Run("maps inbound parse fields", func(t *testing.T) {
		in, err := adapter.Parse(multipartRequest(t, map[string]string{
			"from":     "Alice <alice@example.com>",
			"to":       "Support <support@nw.local>",
			"cc":       "bob@example.com",
			"subject":  "Re: Broken widget",
			"text":     "Still broken.",
			"html":     "<p>Still broken.</p>",
			"headers":  sendgridHeaderBlob,
			"envelope": `{"to":["support@nw.local"],"from":"alice@example.com"}`,
			"SPF":      "pass",
			"dkim":     "{@example.com : pass}",
		}, map[string][]byte{"log.txt": []byte("hello")}))
		assert.NoError(t, err)
		assert.Equal(t, "support@nw.local", in.To)
		assert.Equal(t, "Alice <alice@example.com>", in.From)
		assert.Equal(t, []string{"bob@example.com"}, in.CC)
		assert.Equal(t, "<sg-2@example.com>", in.MessageID)
		assert.Equal(t, "<sg-1@example.com>", in.InReplyTo)
		assert.Equal(t, []string{"<sg-root@example.com>", "<sg-1@example.com>"}, in.References)
		assert.Equal(t, "pass", in.SPFResult)
		assert.Equal(t, 2024, in.Timestamp.Year())
		assert.Len(t, in.Attachments, 1)
		assert.Equal(t, "log.txt", in.Attachments[0].Filename)
	})

	t.Run("falls back to To header without envelope", func(t *testing.T) {
		in, err := adapter.Parse(multipartRequest(t, map[string]string{
			"from":    "alice@example.com",
			"to":      "Support <support@nw.local>",
			"subject": "Hi",
			"text":    "Hello",
		}, nil))
		assert.NoError(t, err)
		assert.Equal(t, "support@nw.local", in.To)
	})
}

func TestParseHeaderBlob(t *testing.T) {
	t.Run("folded continuation lines", func(t *testing.T) {
		headers := parseHeaderBlob("References: <a@x>\n\t<b@x>\nSubject: hi\n")
		assert.Equal(t, "<a@x> <b@x>", headers["References"])
		assert.Equal(t, "hi", headers["Subject"])
	})

	t.Run("keys are canonicalized", func(t *testing.T) {
		headers := parseHeaderBlob("MESSAGE-ID: <a@x>\nin-reply-to: <b@x>\n")
		assert.Equal(t, "<a@x>", headers["Message-Id"])
		assert.Equal(t, "<b@x>", headers["In-Reply-To"])
	})
}
