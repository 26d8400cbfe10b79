package poller

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/models"
)

// idleRetrySleep is the backoff duration after an error before retrying IDLE.
const idleRetrySleep = 10 * time.Second

// RunIdle keeps an IMAP IDLE session open for one inbox and triggers an
// incremental poll whenever the server reports mailbox activity. Servers
// without IDLE support fall back to a slow poll inside the idle client.
// This function blocks until the context is canceled.
func (p *Poller) RunIdle(ctx context.Context, inbox *models.Inbox, cfg *models.IMAPConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.idleOnce(ctx, inbox, cfg); err != nil {
			p.logger.Warn("idle session ended",
				zap.String("inbox_id", inbox.ID),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idleRetrySleep):
		}
	}
}

func (p *Poller) idleOnce(ctx context.Context, inbox *models.Inbox, cfg *models.IMAPConfig) error {
	password, err := p.decryptPassword(cfg)
	if err != nil {
		return err
	}

	c, err := connect(cfg.Host, cfg.UseTLS)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	if err := c.Login(cfg.Username, password); err != nil {
		return err
	}
	if _, err := c.Select("INBOX", true); err != nil {
		return err
	}

	idleClient := idle.NewClient(c)

	updates := make(chan imapclient.Update, 10)
	c.Updates = updates

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 5*time.Minute)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			return err
		case update := <-updates:
			if !isNewMailUpdate(update) {
				continue
			}
			if err := p.PollInbox(ctx, inbox, cfg); err != nil {
				p.logger.Warn("poll after idle update failed",
					zap.String("inbox_id", inbox.ID),
					zap.Error(err))
			}
		}
	}
}

func isNewMailUpdate(update imapclient.Update) bool {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	return ok && mboxUpdate.Mailbox != nil && mboxUpdate.Mailbox.Messages > 0
}
