package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/mailparse"
)

// SESAdapter parses Amazon SES inbound deliveries arriving through an SNS
// topic. The raw MIME message travels base64 encoded inside the SNS
// notification body, so parsing reuses the shared envelope reader.
type SESAdapter struct {
	httpClient *http.Client
}

func NewSESAdapter() *SESAdapter {
	return &SESAdapter{httpClient: http.DefaultClient}
}

func (a *SESAdapter) Name() string { return "ses" }

type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesVerdict struct {
	Status string `json:"status"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Content          string `json:"content"`
	Receipt          struct {
		Recipients   []string   `json:"recipients"`
		SPFVerdict   sesVerdict `json:"spfVerdict"`
		DKIMVerdict  sesVerdict `json:"dkimVerdict"`
		DMARCVerdict sesVerdict `json:"dmarcVerdict"`
	} `json:"receipt"`
}

func (a *SESAdapter) Parse(r *http.Request) (*ingest.InboundMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read sns body: %w", err)
	}

	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode sns envelope: %w", err)
	}

	switch envelope.Type {
	case "SubscriptionConfirmation":
		if err := a.confirmSubscription(envelope.SubscribeURL); err != nil {
			return nil, err
		}
		return nil, ErrNotMail
	case "Notification":
	default:
		return nil, ErrNotMail
	}

	var notification sesNotification
	if err := json.Unmarshal([]byte(envelope.Message), &notification); err != nil {
		return nil, fmt.Errorf("failed to decode ses notification: %w", err)
	}
	if notification.NotificationType != "Received" {
		return nil, ErrNotMail
	}

	raw, err := base64.StdEncoding.DecodeString(notification.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ses message content: %w", err)
	}

	var recipient string
	if len(notification.Receipt.Recipients) > 0 {
		recipient = notification.Receipt.Recipients[0]
	}

	in, err := mailparse.ParseRaw(bytes.NewReader(raw), recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ses mime content: %w", err)
	}
	in.SPFResult = notification.Receipt.SPFVerdict.Status
	in.DKIMResult = notification.Receipt.DKIMVerdict.Status
	in.DMARCResult = notification.Receipt.DMARCVerdict.Status

	return in, nil
}

// confirmSubscription completes the SNS handshake by fetching the
// subscribe URL once.
func (a *SESAdapter) confirmSubscription(subscribeURL string) error {
	if subscribeURL == "" {
		return fmt.Errorf("sns subscription confirmation without subscribe url")
	}
	resp, err := a.httpClient.Get(subscribeURL)
	if err != nil {
		return fmt.Errorf("failed to confirm sns subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sns subscription confirmation returned status %d", resp.StatusCode)
	}
	return nil
}
