package provider

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/mailparse"
)

// PostmarkAdapter parses Postmark's inbound webhook JSON. Postmark cannot
// sign requests, so the endpoint is protected with HTTP basic auth when
// credentials are configured.
type PostmarkAdapter struct {
	basicUser string
	basicPass string
}

func NewPostmarkAdapter(basicUser, basicPass string) *PostmarkAdapter {
	return &PostmarkAdapter{basicUser: basicUser, basicPass: basicPass}
}

func (a *PostmarkAdapter) Name() string { return "postmark" }

type postmarkAddress struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
	ContentLen  int64  `json:"ContentLength"`
}

type postmarkPayload struct {
	FromFull      postmarkAddress      `json:"FromFull"`
	ToFull        []postmarkAddress    `json:"ToFull"`
	CcFull        []postmarkAddress    `json:"CcFull"`
	BccFull       []postmarkAddress    `json:"BccFull"`
	OriginalRecip string               `json:"OriginalRecipient"`
	Subject       string               `json:"Subject"`
	MessageID     string               `json:"MessageID"`
	Date          string               `json:"Date"`
	TextBody      string               `json:"TextBody"`
	HtmlBody      string               `json:"HtmlBody"`
	Headers       []postmarkHeader     `json:"Headers"`
	Attachments   []postmarkAttachment `json:"Attachments"`
}

func (a *PostmarkAdapter) Parse(r *http.Request) (*ingest.InboundMessage, error) {
	if !a.authorized(r) {
		return nil, ErrUnauthorized
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read postmark body: %w", err)
	}

	var payload postmarkPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode postmark payload: %w", err)
	}

	in := &ingest.InboundMessage{
		To:        payload.OriginalRecip,
		From:      payload.FromFull.Email,
		CC:        addressEmails(payload.CcFull),
		BCC:       addressEmails(payload.BccFull),
		Subject:   payload.Subject,
		BodyPlain: payload.TextBody,
		BodyHTML:  payload.HtmlBody,
		Timestamp: parsePostmarkDate(payload.Date),
	}
	if in.To == "" && len(payload.ToFull) > 0 {
		in.To = payload.ToFull[0].Email
	}

	for _, header := range payload.Headers {
		switch canonicalHeaderKey(header.Name) {
		case "Message-Id":
			in.MessageID = strings.TrimSpace(header.Value)
		case "In-Reply-To":
			in.InReplyTo = strings.TrimSpace(header.Value)
		case "References":
			in.References = mailparse.SplitReferences(header.Value)
		case "Received-Spf":
			in.SPFResult = firstToken(header.Value)
		}
	}
	// Postmark's top-level MessageID is its own UUID, not the RFC 5322 one;
	// only use it when the header is missing.
	if in.MessageID == "" && payload.MessageID != "" {
		in.MessageID = "<" + payload.MessageID + "@inbound.postmarkapp.com>"
	}

	for _, att := range payload.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode postmark attachment %q: %w", att.Name, err)
		}
		in.Attachments = append(in.Attachments, ingest.InboundAttachment{
			Filename:    att.Name,
			ContentType: att.ContentType,
			Size:        int64(len(content)),
			Content:     content,
		})
	}

	return in, nil
}

func (a *PostmarkAdapter) authorized(r *http.Request) bool {
	if a.basicUser == "" && a.basicPass == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.basicUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.basicPass)) == 1
	return userOK && passOK
}

func addressEmails(addresses []postmarkAddress) []string {
	if len(addresses) == 0 {
		return nil
	}
	emails := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if addr.Email != "" {
			emails = append(emails, addr.Email)
		}
	}
	return emails
}

func parsePostmarkDate(value string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func firstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
