// Package relay wires the access policy, trigger detector, Memos client
// and image fetcher into the end-to-end handling of one triggered message.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"notebot/internal/domain"
	"notebot/internal/fetch"
	"notebot/internal/metrics"
	"notebot/internal/trigger"
)

const defaultConcurrency = 5

// User-facing replies. The progress notice goes out before any network
// call so the sender knows the relay is working.
const (
	msgValidation    = "❌ Nothing to sync. Send the keyword followed by text, or attach an image."
	msgInProgress    = "Syncing to Memos..."
	msgUploadFailed  = "❌ Image upload failed."
	msgSyncFailed    = "❌ Sync failed. Check the configuration and try again."
	msgInternalError = "❌ Something went wrong during sync. Please try again later."
)

// AccessPolicy gates senders before trigger detection so unauthorized users
// never learn the trigger exists.
type AccessPolicy interface {
	Authorized(msg domain.InboundMessage) bool
}

// NoteClient is the remote note service surface the relay depends on.
type NoteClient interface {
	CreateTextNote(ctx context.Context, body string) (string, error)
	UploadAttachment(ctx context.Context, filePath, fileName string) (string, error)
	CreateNoteWithAttachment(ctx context.Context, body, attachmentID string) (string, error)
}

// ImageFetcher downloads a remote image to scratch storage and disposes of it.
type ImageFetcher interface {
	Download(ctx context.Context, url, filename string) (string, error)
	Cleanup(path string)
}

// HistoryStore records successful syncs. Optional.
type HistoryStore interface {
	Record(ctx context.Context, rec domain.SyncRecord) error
}

// Relay consumes inbound messages and syncs triggered ones to Memos.
type Relay struct {
	policy      AccessPolicy
	detector    *trigger.Detector
	client      NoteClient
	fetcher     ImageFetcher
	history     HistoryStore
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
}

// Config holds all dependencies and tuning parameters for the relay.
type Config struct {
	Policy      AccessPolicy
	Detector    *trigger.Detector
	Client      NoteClient
	Fetcher     ImageFetcher
	History     HistoryStore // optional
	Bus         domain.MessageBus
	Logger      *slog.Logger
	Concurrency int // max parallel messages (default 5)
}

func New(cfg Config) *Relay {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Relay{
		policy:      cfg.Policy,
		detector:    cfg.Detector,
		client:      cfg.Client,
		fetcher:     cfg.Fetcher,
		history:     cfg.History,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// Within one message, all steps run strictly in sequence. On shutdown the
// loop stops taking new messages but waits for every started handler: a
// sync that has begun runs to completion and its result reply is delivered.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay loop started", "keyword", r.detector.Keyword(), "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay loop stopping, draining in-flight messages")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay loop stopping")
				return
			}
			// Gate before detection: unauthorized messages are dropped
			// silently with no feedback of any kind.
			if !r.policy.Authorized(msg) {
				continue
			}
			if !r.detector.Matches(msg) {
				continue
			}
			sem <- struct{}{}
			inflight.Add(1)
			go func(m domain.InboundMessage) {
				defer inflight.Done()
				defer func() { <-sem }()
				// Detached from the loop context: cancellation stops
				// intake, not a sync already underway.
				r.Handle(context.WithoutCancel(ctx), m)
			}(msg)
		}
	}
}

// Handle runs the full sync for one triggered message. It never lets a
// fault propagate to the transport: unexpected panics are logged and
// reported as a generic error.
func (r *Relay) Handle(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("unexpected fault while handling message",
				"channel", msg.Channel,
				"sender", msg.SenderID,
				"panic", rec,
			)
			r.reply(msg, msgInternalError)
		}
	}()

	metrics.InFlightMessages.Inc()
	defer metrics.InFlightMessages.Dec()

	text, _ := r.detector.ExtractText(msg)
	images := r.detector.ExtractImages(msg)

	if text == "" && len(images) == 0 {
		r.reply(msg, msgValidation)
		return
	}

	r.logger.Info("sync triggered",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"text_len", len(text),
		"images", len(images),
	)
	metrics.MessagesRelayed.Inc()

	r.reply(msg, msgInProgress)

	if len(images) > 0 {
		r.handleWithImages(ctx, msg, text, images)
		return
	}

	memoID, err := r.client.CreateTextNote(ctx, text)
	if err != nil {
		r.logger.Error("text note creation failed", "err", err)
		r.reply(msg, msgSyncFailed)
		return
	}

	metrics.NotesCreated.Inc()
	r.record(ctx, msg, memoID, 0)
	r.reply(msg, fmt.Sprintf("✅ Synced to Memos!\nMemo ID: %s", memoID))
}

// handleWithImages downloads and uploads every image in order, then creates
// one note carrying the first successful attachment. Per-image failures are
// logged and skipped; only the all-failed case reaches the user.
func (r *Relay) handleWithImages(ctx context.Context, msg domain.InboundMessage, text string, images []string) {
	var attachmentIDs []string
	for i, url := range images {
		filename := fetch.ScratchName(i)
		path, err := r.fetcher.Download(ctx, url, filename)
		if err != nil {
			r.logger.Warn("image download failed", "index", i, "err", err)
			metrics.UploadFailures.Inc()
			continue
		}

		attachmentID, err := r.client.UploadAttachment(ctx, path, filename)
		if err != nil {
			r.logger.Warn("attachment upload failed", "index", i, "err", err)
			metrics.UploadFailures.Inc()
		} else {
			attachmentIDs = append(attachmentIDs, attachmentID)
			metrics.AttachmentsSent.Inc()
		}
		// Scratch files never outlive the upload attempt.
		r.fetcher.Cleanup(path)
	}

	if len(attachmentIDs) == 0 {
		r.reply(msg, msgUploadFailed)
		return
	}

	// Single attachment per note: the first successful upload wins, the
	// rest are discarded.
	memoID, err := r.client.CreateNoteWithAttachment(ctx, text, attachmentIDs[0])
	if err != nil {
		r.logger.Error("note with attachment creation failed", "err", err)
		r.reply(msg, msgSyncFailed)
		return
	}

	metrics.NotesCreated.Inc()
	r.record(ctx, msg, memoID, len(attachmentIDs))
	r.reply(msg, fmt.Sprintf("✅ Synced %d image(s) to Memos!\nMemo ID: %s", len(attachmentIDs), memoID))
}

// record appends a history entry. History failures are logged, never
// surfaced: the note already exists remotely.
func (r *Relay) record(ctx context.Context, msg domain.InboundMessage, memoID string, attachments int) {
	if r.history == nil {
		return
	}
	err := r.history.Record(ctx, domain.SyncRecord{
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		MemoID:      memoID,
		Attachments: attachments,
	})
	if err != nil {
		r.logger.Warn("cannot record sync history", "memo_id", memoID, "err", err)
	}
}

// reply sends text back to the originating chat, fire-and-forget.
func (r *Relay) reply(msg domain.InboundMessage, content string) {
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}
