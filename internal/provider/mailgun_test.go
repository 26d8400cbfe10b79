package provider

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("attachment-1", name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/webhooks/test", &body)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	return r
}

func mailgunSignature(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMailgunParse(t *testing.T) {
	const signingKey = "key-test"

	fields := map[string]string{
		"timestamp":   "1700000000",
		"token":       "tok-abc",
		"signature":   mailgunSignature(signingKey, "1700000000", "tok-abc"),
		"recipient":   "support@nw.local",
		"sender":      "alice@example.com",
		"Cc":          "bob@example.com, Carol <carol@example.com>",
		"subject":     "Broken widget",
		"body-plain":  "The widget is broken.",
		"body-html":   "<p>The widget is broken.</p>",
		"Message-Id":  "<mg-1@example.com>",
		"In-Reply-To": "<mg-0@example.com>",
		"References":  "<mg-root@example.com> <mg-0@example.com>",
		"Date":        "Mon, 15 Jan 2024 10:30:00 +0000",
	}

	t.Run("valid signature", func(t *testing.T) {
		adapter := NewMailgunAdapter(signingKey)
		in, err := adapter.Parse(multipartRequest(t, fields, map[string][]byte{"report.pdf": []byte("pdf-bytes")}))
		assert.NoError(t, err)
		assert.Equal(t, "support@nw.local", in.To)
		assert.Equal(t, "alice@example.com", in.From)
		assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, in.CC)
		assert.Equal(t, "<mg-1@example.com>", in.MessageID)
		assert.Equal(t, "<mg-0@example.com>", in.InReplyTo)
		assert.Equal(t, []string{"<mg-root@example.com>", "<mg-0@example.com>"}, in.References)
		assert.Equal(t, 2024, in.Timestamp.Year())
		assert.Len(t, in.Attachments, 1)
		assert.Equal(t, "report.pdf", in.Attachments[0].Filename)
		assert.Equal(t, []byte("pdf-bytes"), in.Attachments[0].Content)
	})

	t.Run("invalid signature is rejected", func(t *testing.T) {
		bad := map[string]string{}
		for k, v := range fields {
			bad[k] = v
		}
		bad["signature"] = mailgunSignature("wrong-key", bad["timestamp"], bad["token"])

		adapter := NewMailgunAdapter(signingKey)
		_, err := adapter.Parse(multipartRequest(t, bad, nil))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("empty signing key skips verification", func(t *testing.T) {
		adapter := NewMailgunAdapter("")
		in, err := adapter.Parse(multipartRequest(t, map[string]string{
			"recipient": "support@nw.local",
			"sender":    "alice@example.com",
			"subject":   "Hi",
		}, nil))
		assert.NoError(t, err)
		assert.Equal(t, "support@nw.local", in.To)
	})
}
