package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/mailparse"
)

// MailgunAdapter parses Mailgun's inbound route POSTs (multipart form).
// Authenticity is checked with the HMAC-SHA256 signature Mailgun computes
// over timestamp+token with the account signing key.
type MailgunAdapter struct {
	signingKey string
}

// NewMailgunAdapter creates the adapter. An empty signing key disables the
// signature check; intended for tests only.
func NewMailgunAdapter(signingKey string) *MailgunAdapter {
	return &MailgunAdapter{signingKey: signingKey}
}

func (a *MailgunAdapter) Name() string { return "mailgun" }

// Parse verifies the signature and maps the form fields.
func (a *MailgunAdapter) Parse(r *http.Request) (*ingest.InboundMessage, error) {
	if err := r.ParseMultipartForm(maxWebhookBodyBytes); err != nil {
		return nil, fmt.Errorf("failed to parse mailgun form: %w", err)
	}

	if a.signingKey != "" {
		if !a.verifySignature(r.FormValue("timestamp"), r.FormValue("token"), r.FormValue("signature")) {
			return nil, ErrUnauthorized
		}
	}

	in := &ingest.InboundMessage{
		To:         r.FormValue("recipient"),
		From:       r.FormValue("sender"),
		CC:         splitAddresses(r.FormValue("Cc")),
		Subject:    r.FormValue("subject"),
		BodyPlain:  r.FormValue("body-plain"),
		BodyHTML:   r.FormValue("body-html"),
		MessageID:  strings.TrimSpace(r.FormValue("Message-Id")),
		InReplyTo:  strings.TrimSpace(r.FormValue("In-Reply-To")),
		References: mailparse.SplitReferences(r.FormValue("References")),
		Timestamp:  parseMailgunDate(r.FormValue("Date")),
	}

	if r.MultipartForm != nil {
		for field, headers := range r.MultipartForm.File {
			if !strings.HasPrefix(field, "attachment") {
				continue
			}
			for _, header := range headers {
				content, err := readMultipartFile(header)
				if err != nil {
					return nil, err
				}
				in.Attachments = append(in.Attachments, ingest.InboundAttachment{
					Filename:    header.Filename,
					ContentType: header.Header.Get("Content-Type"),
					Size:        int64(len(content)),
					Content:     content,
				})
			}
		}
	}

	return in, nil
}

func (a *MailgunAdapter) verifySignature(timestamp, token, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	expectedBytes, _ := hex.DecodeString(expected)
	return hmac.Equal(decoded, expectedBytes)
}

func parseMailgunDate(value string) time.Time {
	if t, err := mail.ParseDate(value); err == nil {
		return t
	}
	return time.Now().UTC()
}

func splitAddresses(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(header)
	if err != nil {
		var result []string
		for _, part := range strings.Split(header, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result
	}

	var result []string
	for _, address := range addresses {
		result = append(result, address.Address)
	}
	return result
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %q: %w", header.Filename, err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %q: %w", header.Filename, err)
	}
	return content, nil
}
