package chatual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Data Types
// ============================================================================

// ItemKind distinguishes queued chat messages from typing notifications.
type ItemKind string

const (
	KindMessage ItemKind = "message"
	KindTyping  ItemKind = "typing"
)

// QueuedItem is an outbound item awaiting delivery.
type QueuedItem struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	Kind             ItemKind  `json:"type"`
	RoomID           string    `json:"roomId,omitempty"`
	EnqueuedAt       time.Time `json:"timestamp"`
	RetryCount       int       `json:"retryCount"`
	PhotoURL         string    `json:"photoUrl,omitempty"`
	PhotoFileName    string    `json:"photoFileName,omitempty"`
	MentionedUserIDs []string  `json:"mentionedUserIds,omitempty"`
}

// EnqueueOption decorates an item before it is appended.
type EnqueueOption func(*QueuedItem)

// WithPhoto attaches an uploaded photo to a queued message.
func WithPhoto(url, fileName string) EnqueueOption {
	return func(it *QueuedItem) {
		it.PhotoURL = url
		it.PhotoFileName = fileName
	}
}

// WithMentions records the users mentioned by a queued message.
func WithMentions(userIDs []string) EnqueueOption {
	return func(it *QueuedItem) {
		if len(userIDs) > 0 {
			it.MentionedUserIDs = append([]string(nil), userIDs...)
		}
	}
}

// QueueOptions configures the OfflineQueue.
type QueueOptions struct {
	MaxQueueSize int
	MaxRetries   int
	StorageKey   string
	Logger       *zap.Logger
}

func (o *QueueOptions) defaults() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.StorageKey == "" {
		o.StorageKey = QueueStorageKey
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// QueueStats is the counter view exposed to presentation code.
type QueueStats struct {
	Queued     int  // items still eligible for delivery
	Failed     int  // items that reached MaxRetries
	Processing bool // a drain is in flight
}

// DrainResult summarises one ProcessQueue call.
type DrainResult struct {
	Skipped bool
	Sent    int
	Failed  int
}

// Sender delivers one item. A non-nil error (or a panic) counts as a failed
// attempt.
type Sender func(ctx context.Context, item QueuedItem) error

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue is a bounded, durable FIFO of outbound items.
type OfflineQueue struct {
	storage    Storage
	key        string
	maxSize    int
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	items      []*QueuedItem
	processing bool
	drained    chan struct{} // closed when the in-flight drain finishes
}

// NewOfflineQueue creates a queue backed by storage and rehydrates any state
// persisted by a previous process. Unreadable state is treated as empty.
func NewOfflineQueue(storage Storage, opts *QueueOptions) *OfflineQueue {
	var o QueueOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	q := &OfflineQueue{
		storage:    storage,
		key:        o.StorageKey,
		maxSize:    o.MaxQueueSize,
		maxRetries: o.MaxRetries,
		logger:     o.Logger.With(zap.String("component", "offline-queue")),
		now:        time.Now,
	}
	q.load()
	return q
}

func (q *OfflineQueue) load() {
	data, err := q.storage.Get(context.Background(), q.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.logger.Warn("failed to read persisted queue, starting empty", zap.Error(err))
		}
		return
	}
	var items []*QueuedItem
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Warn("discarding corrupt persisted queue", zap.Error(err))
		return
	}
	kept := items[:0]
	for _, it := range items {
		if it != nil && it.ID != "" {
			kept = append(kept, it)
		}
	}
	q.items = kept
	q.evictLocked()
	q.logger.Debug("queue rehydrated", zap.Int("items", len(q.items)))
}

// persistLocked writes the whole queue. Failures are logged; the in-memory
// queue stays authoritative.
func (q *OfflineQueue) persistLocked() {
	data, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Error("failed to encode queue", zap.Error(err))
		return
	}
	if q.items == nil {
		data = []byte("[]")
	}
	if err := q.storage.Set(context.Background(), q.key, data); err != nil {
		q.logger.Warn("failed to persist queue", zap.Error(err))
	}
}

func (q *OfflineQueue) evictLocked() {
	if over := len(q.items) - q.maxSize; over > 0 {
		for _, it := range q.items[:over] {
			q.logger.Debug("evicting oldest queued item", zap.String("id", it.ID))
		}
		q.items = append([]*QueuedItem(nil), q.items[over:]...)
	}
}

// Enqueue appends a new item and returns its id. When the queue grows past
// MaxQueueSize the oldest items are evicted.
func (q *OfflineQueue) Enqueue(content string, kind ItemKind, roomID string, opts ...EnqueueOption) string {
	item := &QueuedItem{
		ID:         uuid.NewString(),
		Content:    content,
		Kind:       kind,
		RoomID:     roomID,
		EnqueuedAt: q.now(),
	}
	for _, opt := range opts {
		opt(item)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.evictLocked()
	q.persistLocked()
	q.logger.Debug("item queued", zap.String("id", item.ID), zap.String("kind", string(kind)))
	return item.ID
}

// Dequeue removes the item with id. Unknown ids are ignored.
func (q *OfflineQueue) Dequeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.persistLocked()
			return
		}
	}
}

// MarkFailed increments the retry counter of the item with id.
func (q *OfflineQueue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			it.RetryCount++
			q.persistLocked()
			if it.RetryCount >= q.maxRetries {
				q.logger.Warn("queued item exhausted its retries",
					zap.String("id", it.ID), zap.Int("retries", it.RetryCount))
			}
			return
		}
	}
}

// Deliverable returns copies of the items still eligible for delivery,
// oldest first.
func (q *OfflineQueue) Deliverable() []QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedItem
	for _, it := range q.items {
		if it.RetryCount < q.maxRetries {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

// Items returns copies of every queued item, including failed ones.
func (q *OfflineQueue) Items() []QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, cloneItem(it))
	}
	return out
}

// Len returns the number of queued items.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns the presentation counters.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{Processing: q.processing}
	for _, it := range q.items {
		if it.RetryCount >= q.maxRetries {
			s.Failed++
		} else {
			s.Queued++
		}
	}
	return s
}

// ClearQueue removes every item.
func (q *OfflineQueue) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.persistLocked()
}

// ClearFailed removes the items that reached MaxRetries.
func (q *OfflineQueue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.RetryCount >= q.maxRetries {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// ProcessQueue drains deliverable items through send, one at a time. It is a
// no-op when the queue is empty or another drain is in flight.
func (q *OfflineQueue) ProcessQueue(ctx context.Context, send Sender) DrainResult {
	res, _ := q.process(ctx, send)
	return res
}

// process is ProcessQueue that also hands back the completion channel of
// the drain it was skipped for, if any.
func (q *OfflineQueue) process(ctx context.Context, send Sender) (DrainResult, <-chan struct{}) {
	q.mu.Lock()
	if q.processing {
		inflight := q.drained
		q.mu.Unlock()
		return DrainResult{Skipped: true}, inflight
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	q.processing = true
	done := make(chan struct{})
	q.drained = done
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.drained = nil
		q.mu.Unlock()
		close(done)
	}()

	var res DrainResult
	for _, item := range q.Deliverable() {
		if ctx.Err() != nil {
			break
		}
		if err := safeSend(ctx, send, item); err != nil {
			q.MarkFailed(item.ID)
			res.Failed++
			q.logger.Debug("queued item delivery failed", zap.String("id", item.ID), zap.Error(err))
			continue
		}
		q.Dequeue(item.ID)
		res.Sent++
	}
	if res.Sent > 0 || res.Failed > 0 {
		q.logger.Info("queue drained", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	}
	return res, nil
}

func safeSend(ctx context.Context, send Sender, item QueuedItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return send(ctx, item)
}

func cloneItem(it *QueuedItem) QueuedItem {
	c := *it
	if it.MentionedUserIDs != nil {
		c.MentionedUserIDs = append([]string(nil), it.MentionedUserIDs...)
	}
	return c
}

// typingFromContent decodes the boolean carried by a queued typing item.
func typingFromContent(content string) bool {
	v, err := strconv.ParseBool(content)
	return err == nil && v
}
