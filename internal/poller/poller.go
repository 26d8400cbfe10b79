// Package poller pulls mail from IMAP mailboxes into the ingestion engine.
// Each inbox whose provider_config describes an IMAP account is polled on an
// interval; a per-mailbox UID high-water mark keeps polling incremental.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/crypto"
	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/mailparse"
	"github.com/relaymail/relaymail/internal/models"
)

const dialTimeout = 5 * time.Second

// fetchBatchSize bounds how many messages a single poll pass ingests, so a
// huge backlog cannot hold a connection open indefinitely.
const fetchBatchSize = 200

// ErrNotIMAPBacked is returned when an on-demand sync targets an inbox whose
// provider_config does not describe an IMAP account.
var ErrNotIMAPBacked = errors.New("inbox is not backed by an imap mailbox")

type Poller struct {
	pool      *pgxpool.Pool
	engine    *ingest.Engine
	encryptor *crypto.Encryptor
	interval  time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	idle map[string]context.CancelFunc
}

func New(pool *pgxpool.Pool, engine *ingest.Engine, encryptor *crypto.Encryptor, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		pool:      pool,
		engine:    engine,
		encryptor: encryptor,
		interval:  interval,
		logger:    logger,
		idle:      make(map[string]context.CancelFunc),
	}
}

// Run polls all IMAP-backed inboxes on the configured interval until the
// context is canceled. Mailboxes are polled concurrently with each other and
// sequentially within themselves.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs one poll pass over every IMAP-backed inbox and waits for all
// of them to finish. It also reconciles the set of IDLE sessions against the
// current inbox list, so newly provisioned mailboxes start idling within one
// interval.
func (p *Poller) PollAll(ctx context.Context) {
	inboxes, err := db.ListInboxes(ctx, p.pool)
	if err != nil {
		p.logger.Error("failed to list inboxes for polling", zap.Error(err))
		return
	}

	p.ensureIdleSessions(ctx, inboxes)

	var wg sync.WaitGroup
	for _, inbox := range inboxes {
		cfg, ok := imapConfig(inbox)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(inbox *models.Inbox, cfg *models.IMAPConfig) {
			defer wg.Done()
			if err := p.PollInbox(ctx, inbox, cfg); err != nil {
				p.logger.Error("mailbox poll failed",
					zap.String("inbox_id", inbox.ID),
					zap.String("address", inbox.EmailAddress),
					zap.Error(err))
			}
		}(inbox, cfg)
	}
	wg.Wait()
}

// ensureIdleSessions starts an IDLE session for every IMAP-backed inbox
// that lacks one and cancels sessions whose inbox is gone. Sessions end when
// ctx is canceled; idle map entries for those are cleaned up on the next
// reconcile pass.
func (p *Poller) ensureIdleSessions(ctx context.Context, inboxes []*models.Inbox) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make(map[string]bool, len(inboxes))
	for _, inbox := range inboxes {
		cfg, ok := imapConfig(inbox)
		if !ok {
			continue
		}
		active[inbox.ID] = true

		if _, running := p.idle[inbox.ID]; running {
			continue
		}

		sessionCtx, cancel := context.WithCancel(ctx)
		p.idle[inbox.ID] = cancel
		p.logger.Info("starting idle session",
			zap.String("inbox_id", inbox.ID),
			zap.String("address", inbox.EmailAddress))
		go p.RunIdle(sessionCtx, inbox, cfg)
	}

	for inboxID, cancel := range p.idle {
		if !active[inboxID] {
			cancel()
			delete(p.idle, inboxID)
		}
	}
}

// SyncInbox runs one on-demand poll pass for a single inbox.
func (p *Poller) SyncInbox(ctx context.Context, inbox *models.Inbox) error {
	cfg, ok := imapConfig(inbox)
	if !ok {
		return ErrNotIMAPBacked
	}
	return p.PollInbox(ctx, inbox, cfg)
}

// PollInbox connects to the inbox's IMAP account, ingests every message with
// a UID above the stored high-water mark, and advances the mark.
func (p *Poller) PollInbox(ctx context.Context, inbox *models.Inbox, cfg *models.IMAPConfig) error {
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
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	mailbox, err := c.Select("INBOX", true)
	if err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}

	lastSeen, err := p.reconcileSyncState(ctx, inbox.ID, int64(mailbox.UidValidity))
	if err != nil {
		return err
	}

	uids, err := searchNewUIDs(c, lastSeen)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if len(uids) > fetchBatchSize {
		uids = uids[:fetchBatchSize]
	}

	return p.ingestUIDs(ctx, c, inbox, uids, int64(mailbox.UidValidity))
}

// reconcileSyncState returns the UID high-water mark, rewinding it to zero
// when the server reports a new UIDVALIDITY.
func (p *Poller) reconcileSyncState(ctx context.Context, inboxID string, uidValidity int64) (int64, error) {
	state, err := db.GetMailboxSyncState(ctx, p.pool, inboxID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, nil
	}
	if state.UIDValidity != uidValidity {
		p.logger.Warn("mailbox UIDVALIDITY changed, rewinding sync state",
			zap.String("inbox_id", inboxID),
			zap.Int64("old", state.UIDValidity),
			zap.Int64("new", uidValidity))
		if err := db.ResetMailboxSyncState(ctx, p.pool, inboxID, uidValidity); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return state.LastSeenUID, nil
}

// ingestUIDs fetches the given UIDs and feeds each message to the engine.
// The high-water mark advances only through UIDs whose ingestion succeeded,
// so a failed message is retried on the next pass.
func (p *Poller) ingestUIDs(ctx context.Context, c *client.Client, inbox *models.Inbox, uids []uint32, uidValidity int64) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var highWater int64
	var ingestErr error
	for msg := range messages {
		if ingestErr != nil {
			continue
		}

		body := msg.GetBody(section)
		if body == nil {
			p.logger.Warn("fetched message without body section",
				zap.String("inbox_id", inbox.ID),
				zap.Uint32("uid", msg.Uid))
			continue
		}

		in, err := mailparse.ParseRaw(body, inbox.EmailAddress)
		if err != nil {
			p.logger.Warn("failed to parse fetched message",
				zap.String("inbox_id", inbox.ID),
				zap.Uint32("uid", msg.Uid),
				zap.Error(err))
			highWater = int64(msg.Uid)
			continue
		}

		if _, err := p.engine.Ingest(ctx, in); err != nil {
			ingestErr = fmt.Errorf("failed to ingest uid %d: %w", msg.Uid, err)
			continue
		}
		highWater = int64(msg.Uid)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	if highWater > 0 {
		if err := db.SetMailboxSyncState(ctx, p.pool, inbox.ID, highWater, uidValidity); err != nil {
			return err
		}
	}
	return ingestErr
}

func (p *Poller) decryptPassword(cfg *models.IMAPConfig) (string, error) {
	password, err := p.encryptor.DecryptFromBase64(cfg.EncryptedPasswordBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt mailbox password: %w", err)
	}
	return password, nil
}

// imapConfig decodes an inbox's provider_config as an IMAP account
// description. Inboxes fed by webhooks carry other shapes and are skipped.
func imapConfig(inbox *models.Inbox) (*models.IMAPConfig, bool) {
	if len(inbox.ProviderConfig) == 0 {
		return nil, false
	}
	var cfg models.IMAPConfig
	if err := json.Unmarshal(inbox.ProviderConfig, &cfg); err != nil {
		return nil, false
	}
	if cfg.Type != "imap" || cfg.Host == "" {
		return nil, false
	}
	return &cfg, true
}

// connect dials the IMAP server with a bounded timeout.
// useTLS is false only in tests against a local server.
func connect(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return c, nil
}

// searchNewUIDs returns UIDs strictly above lastSeen, ascending.
func searchNewUIDs(c *client.Client, lastSeen int64) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(uint32(lastSeen)+1, 0)
	criteria.Uid = uidRange

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search for new messages: %w", err)
	}
	return uids, nil
}
