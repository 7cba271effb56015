package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"notebot/internal/bus"
	"notebot/internal/domain"
	"notebot/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type allowAll struct{}

func (allowAll) Authorized(domain.InboundMessage) bool { return true }

type denyAll struct{}

func (denyAll) Authorized(domain.InboundMessage) bool { return false }

type fakeClient struct {
	mu          sync.Mutex
	textNotes   []string
	uploads     []string
	attachNotes [][2]string // body, attachmentID
	failUploads map[string]bool
	failText    bool
	failAttach  bool
	done        chan struct{}
	started     chan struct{} // closed when CreateTextNote begins
	block       chan struct{} // CreateTextNote waits on this when set
}

func (c *fakeClient) CreateTextNote(ctx context.Context, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started != nil {
		close(c.started)
		c.started = nil
	}
	if c.block != nil {
		<-c.block
	}
	if c.failText {
		return "", errors.New("service unavailable")
	}
	c.textNotes = append(c.textNotes, body)
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	return "42", nil
}

func (c *fakeClient) UploadAttachment(ctx context.Context, filePath, fileName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failUploads[fileName] || c.failUploads["*"] {
		return "", errors.New("upload rejected")
	}
	c.uploads = append(c.uploads, fileName)
	return fmt.Sprintf("attachments/%d", len(c.uploads)), nil
}

func (c *fakeClient) CreateNoteWithAttachment(ctx context.Context, body, attachmentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAttach {
		return "", errors.New("service unavailable")
	}
	c.attachNotes = append(c.attachNotes, [2]string{body, attachmentID})
	return "9", nil
}

// fakeFetcher writes real scratch files so cleanup can be observed.
type fakeFetcher struct {
	dir      string
	failURLs map[string]bool
	mu       sync.Mutex
	cleaned  []string
}

func (f *fakeFetcher) Download(ctx context.Context, url, filename string) (string, error) {
	if f.failURLs[url] {
		return "", errors.New("connection refused")
	}
	path := filepath.Join(f.dir, filename)
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeFetcher) Cleanup(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, path)
	os.Remove(path)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.SyncRecord
}

func (h *fakeHistory) Record(ctx context.Context, rec domain.SyncRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

type harness struct {
	relay   *Relay
	client  *fakeClient
	fetcher *fakeFetcher
	history *fakeHistory
	bus     *bus.InMemoryBus
	mu      sync.Mutex
	replies []string
}

func newHarness(t *testing.T, policy AccessPolicy) *harness {
	t.Helper()
	h := &harness{
		client:  &fakeClient{failUploads: map[string]bool{}},
		fetcher: &fakeFetcher{dir: t.TempDir(), failURLs: map[string]bool{}},
		history: &fakeHistory{},
		bus:     bus.New(10, testLogger()),
	}
	h.bus.OnOutbound("test", func(msg domain.OutboundMessage) {
		h.mu.Lock()
		h.replies = append(h.replies, msg.Content)
		h.mu.Unlock()
	})
	h.relay = New(Config{
		Policy:   policy,
		Detector: trigger.NewDetector("note"),
		Client:   h.client,
		Fetcher:  h.fetcher,
		History:  h.history,
		Bus:      h.bus,
		Logger:   testLogger(),
	})
	return h
}

func (h *harness) lastReply() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replies) == 0 {
		return ""
	}
	return h.replies[len(h.replies)-1]
}

func inbound(segments ...domain.Segment) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:  "test",
		ChatID:   "chat1",
		SenderID: "user1",
		IsGroup:  true,
		Segments: segments,
	}
}

// --- Handle: text ---

func TestHandle_TextNote(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(domain.TextSegment("note remember the milk")))

	if len(h.client.textNotes) != 1 || h.client.textNotes[0] != "remember the milk" {
		t.Fatalf("expected one text note with remainder, got %v", h.client.textNotes)
	}
	if !strings.Contains(h.lastReply(), "Memo ID: 42") {
		t.Fatalf("success reply should carry the memo ID, got %q", h.lastReply())
	}
	if len(h.history.records) != 1 || h.history.records[0].MemoID != "42" {
		t.Fatalf("expected one history record, got %v", h.history.records)
	}
}

func TestHandle_TextNoteFailure(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.client.failText = true
	h.relay.Handle(context.Background(), inbound(domain.TextSegment("note x")))

	if h.lastReply() != msgSyncFailed {
		t.Fatalf("expected sync failure reply, got %q", h.lastReply())
	}
	if len(h.history.records) != 0 {
		t.Fatal("failed sync must not be recorded")
	}
}

func TestHandle_ProgressNoticeFirst(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(domain.TextSegment("note x")))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replies) < 2 || h.replies[0] != msgInProgress {
		t.Fatalf("progress notice should precede the result, got %v", h.replies)
	}
}

// --- Handle: validation ---

func TestHandle_BareKeyword_ValidationError(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(domain.TextSegment("note")))

	if h.lastReply() != msgValidation {
		t.Fatalf("expected validation reply, got %q", h.lastReply())
	}
	if len(h.client.textNotes)+len(h.client.uploads)+len(h.client.attachNotes) != 0 {
		t.Fatal("validation failure must not reach the note service")
	}
}

// --- Handle: images ---

func TestHandle_ImageNote(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note holiday pics"),
		domain.ImageSegment("http://img/a.jpg"),
	))

	if len(h.client.uploads) != 1 {
		t.Fatalf("expected one upload, got %v", h.client.uploads)
	}
	if len(h.client.attachNotes) != 1 {
		t.Fatalf("expected one note with attachment, got %v", h.client.attachNotes)
	}
	if h.client.attachNotes[0][0] != "holiday pics" || h.client.attachNotes[0][1] != "attachments/1" {
		t.Fatalf("unexpected note payload %v", h.client.attachNotes[0])
	}
	if !strings.Contains(h.lastReply(), "1 image(s)") || !strings.Contains(h.lastReply(), "Memo ID: 9") {
		t.Fatalf("unexpected success reply %q", h.lastReply())
	}
}

func TestHandle_ImageOnly_NoText(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note"),
		domain.ImageSegment("http://img/a.jpg"),
	))

	if len(h.client.attachNotes) != 1 {
		t.Fatalf("image without text should still sync, got %v", h.client.attachNotes)
	}
	if h.client.attachNotes[0][0] != "" {
		t.Fatalf("expected empty body, got %q", h.client.attachNotes[0][0])
	}
}

func TestHandle_FirstSuccessfulAttachmentWins(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.fetcher.failURLs["http://img/1.jpg"] = true
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note pics"),
		domain.ImageSegment("http://img/1.jpg"),
		domain.ImageSegment("http://img/2.jpg"),
		domain.ImageSegment("http://img/3.jpg"),
	))

	if len(h.client.uploads) != 2 {
		t.Fatalf("expected two uploads after one download failure, got %v", h.client.uploads)
	}
	if h.client.attachNotes[0][1] != "attachments/1" {
		t.Fatalf("first successful attachment should win, got %q", h.client.attachNotes[0][1])
	}
	if !strings.Contains(h.lastReply(), "2 image(s)") {
		t.Fatalf("reply should count successful uploads, got %q", h.lastReply())
	}
}

func TestHandle_AllUploadsFail(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.client.failUploads["*"] = true
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note pics"),
		domain.ImageSegment("http://img/a.jpg"),
		domain.ImageSegment("http://img/b.jpg"),
	))

	if h.lastReply() != msgUploadFailed {
		t.Fatalf("expected upload failure reply, got %q", h.lastReply())
	}
	if len(h.client.attachNotes) != 0 {
		t.Fatal("no note should be created when every upload fails")
	}
}

func TestHandle_ScratchFilesCleaned(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.client.failUploads["*"] = true
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note pics"),
		domain.ImageSegment("http://img/a.jpg"),
	))

	if len(h.fetcher.cleaned) != 1 {
		t.Fatalf("scratch file should be cleaned even on upload failure, got %v", h.fetcher.cleaned)
	}
	entries, err := os.ReadDir(h.fetcher.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir should be empty, found %d entries", len(entries))
	}
}

func TestHandle_AttachmentRecordedInHistory(t *testing.T) {
	h := newHarness(t, allowAll{})
	h.relay.Handle(context.Background(), inbound(
		domain.TextSegment("note pics"),
		domain.ImageSegment("http://img/a.jpg"),
		domain.ImageSegment("http://img/b.jpg"),
	))

	if len(h.history.records) != 1 {
		t.Fatalf("expected one history record, got %v", h.history.records)
	}
	rec := h.history.records[0]
	if rec.MemoID != "9" || rec.Attachments != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

// --- Run loop ---

func TestRun_ProcessesAuthorizedTrigger(t *testing.T) {
	h := newHarness(t, allowAll{})
	done := make(chan struct{})
	h.client.done = done

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.relay.Run(ctx)

	h.bus.Publish(inbound(domain.TextSegment("note from the loop")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not processed")
	}
}

func TestRun_WaitsForInFlightOnCancel(t *testing.T) {
	h := newHarness(t, allowAll{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.client.started = started
	h.client.block = release

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.relay.Run(ctx)
		close(runDone)
	}()

	h.bus.Publish(inbound(domain.TextSegment("note slow sync")))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the note service")
	}
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned while a message was still being handled")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight message finished")
	}

	if !strings.Contains(h.lastReply(), "Memo ID: 42") {
		t.Fatalf("result reply of the in-flight sync was dropped, got %q", h.lastReply())
	}
}

func TestRun_DropsUnauthorizedSilently(t *testing.T) {
	h := newHarness(t, denyAll{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.relay.Run(ctx)

	h.bus.Publish(inbound(domain.TextSegment("note secret")))
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replies) != 0 {
		t.Fatalf("unauthorized sender must get no feedback, got %v", h.replies)
	}
	if len(h.client.textNotes) != 0 {
		t.Fatal("unauthorized message must not reach the note service")
	}
}

func TestRun_IgnoresNonTrigger(t *testing.T) {
	h := newHarness(t, allowAll{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.relay.Run(ctx)

	h.bus.Publish(inbound(domain.TextSegment("just chatting")))
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replies) != 0 {
		t.Fatalf("non-trigger message should be ignored, got %v", h.replies)
	}
}
