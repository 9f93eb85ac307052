package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same
// sender into one flush. Each (channel, chatId, senderId) gets its own
// window; a new message while the window is open extends it. Messages
// carrying media flush immediately since merging attachments across
// messages loses captions.
type InboundDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(InboundMessage)
	pending map[string]*pendingBatch
	stopped bool
}

type pendingBatch struct {
	msg   InboundMessage
	parts []string
	timer *time.Timer
}

// NewInboundDebouncer builds a debouncer that delivers merged messages
// to flush after the window elapses without a newer message.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Add routes a message through the debounce window. A zero window or a
// message with media bypasses debouncing.
func (d *InboundDebouncer) Add(msg InboundMessage) {
	if d.window <= 0 || len(msg.Media) > 0 {
		d.flushPendingFor(msg)
		d.flush(msg)
		return
	}

	key := msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if batch, ok := d.pending[key]; ok {
		batch.parts = append(batch.parts, msg.Content)
		batch.msg.Metadata = msg.Metadata
		batch.timer.Reset(d.window)
		d.mu.Unlock()
		return
	}

	batch := &pendingBatch{msg: msg, parts: []string{msg.Content}}
	batch.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = batch
	d.mu.Unlock()
}

// flushPendingFor delivers any open batch for the message's sender first
// so ordering is preserved when a media message bypasses the window.
func (d *InboundDebouncer) flushPendingFor(msg InboundMessage) {
	key := msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	batch, ok := d.pending[key]
	if ok {
		batch.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(merged(batch))
	}
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	batch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(merged(batch))
	}
}

// Stop flushes all open batches and rejects further messages.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	batches := make([]*pendingBatch, 0, len(d.pending))
	for key, batch := range d.pending {
		batch.timer.Stop()
		batches = append(batches, batch)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, batch := range batches {
		d.flush(merged(batch))
	}
}

func merged(batch *pendingBatch) InboundMessage {
	msg := batch.msg
	msg.Content = strings.Join(batch.parts, "\n")
	return msg
}
