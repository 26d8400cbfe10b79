package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/mailparse"
)

// SendGridAdapter parses SendGrid's Inbound Parse multipart POSTs. SendGrid
// delivers the interesting protocol headers as one raw "headers" blob that
// has to be re-parsed for Message-ID and the reply chain.
type SendGridAdapter struct{}

func NewSendGridAdapter() *SendGridAdapter {
	return &SendGridAdapter{}
}

func (a *SendGridAdapter) Name() string { return "sendgrid" }

type sendgridEnvelope struct {
	To   []string `json:"to"`
	From string   `json:"from"`
}

// Parse maps the inbound-parse form fields.
func (a *SendGridAdapter) Parse(r *http.Request) (*ingest.InboundMessage, error) {
	if err := r.ParseMultipartForm(maxWebhookBodyBytes); err != nil {
		return nil, fmt.Errorf("failed to parse sendgrid form: %w", err)
	}

	headers := parseHeaderBlob(r.FormValue("headers"))

	in := &ingest.InboundMessage{
		From:       r.FormValue("from"),
		CC:         splitAddresses(r.FormValue("cc")),
		Subject:    r.FormValue("subject"),
		BodyPlain:  r.FormValue("text"),
		BodyHTML:   r.FormValue("html"),
		MessageID:  strings.TrimSpace(headers["Message-Id"]),
		InReplyTo:  strings.TrimSpace(headers["In-Reply-To"]),
		References: mailparse.SplitReferences(headers["References"]),
		SPFResult:  r.FormValue("SPF"),
		DKIMResult: r.FormValue("dkim"),
		Timestamp:  parseSendGridDate(headers["Date"]),
	}

	// The envelope recipient is authoritative; the To header may be an
	// alias or list address.
	var envelope sendgridEnvelope
	if raw := r.FormValue("envelope"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &envelope); err == nil && len(envelope.To) > 0 {
			in.To = envelope.To[0]
		}
	}
	if in.To == "" {
		in.To = firstHeaderAddress(r.FormValue("to"))
	}

	if r.MultipartForm != nil {
		for field, fileHeaders := range r.MultipartForm.File {
			if !strings.HasPrefix(field, "attachment") {
				continue
			}
			for _, header := range fileHeaders {
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

// parseHeaderBlob re-parses SendGrid's raw header block into a map keyed by
// canonical header name. Folded continuation lines are appended to the
// previous value.
func parseHeaderBlob(blob string) map[string]string {
	headers := make(map[string]string)

	var lastKey string
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			headers[lastKey] += " " + strings.TrimSpace(line)
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		lastKey = canonicalHeaderKey(key)
		headers[lastKey] = strings.TrimSpace(value)
	}

	return headers
}

func canonicalHeaderKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), "-")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, "-")
}

func firstHeaderAddress(header string) string {
	addresses, err := mail.ParseAddressList(header)
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(header)
	}
	return addresses[0].Address
}

func parseSendGridDate(value string) time.Time {
	if t, err := mail.ParseDate(value); err == nil {
		return t
	}
	return time.Now().UTC()
}
