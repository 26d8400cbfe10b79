// Package mailparse converts raw RFC 5322 messages into the engine's
// provider-agnostic inbound representation. Both the IMAP poller and
// raw-MIME webhook payloads go through it.
package mailparse

import (
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/relaymail/relaymail/internal/ingest"
)

// ParseRaw reads one raw MIME message and maps it to an InboundMessage.
// The recipient override, when non-empty, wins over the To header; pull
// sources know which mailbox they fetched from and that knowledge is more
// reliable than the header (Bcc and alias deliveries carry no trace in To).
func ParseRaw(r io.Reader, recipientOverride string) (*ingest.InboundMessage, error) {
	envelope, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME message: %w", err)
	}

	in := &ingest.InboundMessage{
		From:       envelope.GetHeader("From"),
		Subject:    envelope.GetHeader("Subject"),
		BodyPlain:  envelope.Text,
		BodyHTML:   envelope.HTML,
		MessageID:  strings.TrimSpace(envelope.GetHeader("Message-Id")),
		InReplyTo:  strings.TrimSpace(envelope.GetHeader("In-Reply-To")),
		References: SplitReferences(envelope.GetHeader("References")),
	}

	if recipientOverride != "" {
		in.To = recipientOverride
	} else {
		in.To = firstAddress(envelope.GetHeader("To"))
	}
	in.CC = addressList(envelope.GetHeader("Cc"))
	in.BCC = addressList(envelope.GetHeader("Bcc"))

	in.Timestamp = parseDate(envelope.GetHeader("Date"))

	for _, part := range envelope.Attachments {
		in.Attachments = append(in.Attachments, ingest.InboundAttachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        int64(len(part.Content)),
			Content:     part.Content,
		})
	}

	return in, nil
}

// SplitReferences splits a References header into individual message IDs.
// The header is whitespace-separated; stray commas from sloppy clients are
// tolerated.
func SplitReferences(header string) []string {
	fields := strings.FieldsFunc(header, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ','
	})

	var refs []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

func firstAddress(header string) string {
	addresses, err := mail.ParseAddressList(header)
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(header)
	}
	return addresses[0].Address
}

func addressList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(header)
	if err != nil {
		return []string{strings.TrimSpace(header)}
	}

	var result []string
	for _, a := range addresses {
		result = append(result, a.Address)
	}
	return result
}

func parseDate(header string) time.Time {
	if t, err := mail.ParseDate(header); err == nil {
		return t
	}
	return time.Now().UTC()
}
