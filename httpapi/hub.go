package httpapi

import (
	"context"
	"sync"

	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/schema"
)

// Hub broadcasts playback events per playback and keeps a bounded history
// so reconnecting clients can replay what they missed.
type Hub struct {
	mu          sync.Mutex
	playbacks   map[schema.PlaybackID]*playbackHub
	recSubs     map[chan schema.PlaybackEvent]struct{}
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 4096
	}
	return &Hub{
		playbacks:   make(map[schema.PlaybackID]*playbackHub),
		recSubs:     make(map[chan schema.PlaybackEvent]struct{}),
		historySize: historySize,
	}
}

// OnPlaybackEvent implements core.EventSink.
func (h *Hub) OnPlaybackEvent(event schema.PlaybackEvent) {
	if event.Playback == "" {
		return
	}
	h.mu.Lock()
	ph := h.getOrCreateLocked(event.Playback)
	ph.seq++
	event.Seq = ph.seq
	ph.history = append(ph.history, event)
	if len(ph.history) > h.historySize {
		ph.history = ph.history[len(ph.history)-h.historySize:]
	}
	dropped := 0
	for sub := range ph.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.WithPlayback(context.Background(), logx.Ctx(context.Background()), event.Playback).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

// OnRecording implements core.EventSink.
func (h *Hub) OnRecording(rec schema.Recording) {
	event := schema.PlaybackEvent{Type: schema.EventRecording, Record: &rec, Origin: rec.ID}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.recSubs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber for a playback. It returns the current seq
// and history so the caller can catch up before reading the channel.
func (h *Hub) Subscribe(id schema.PlaybackID) (<-chan schema.PlaybackEvent, func(), uint64, []schema.PlaybackEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph := h.getOrCreateLocked(id)
	ch := make(chan schema.PlaybackEvent, 256)
	ph.subs[ch] = struct{}{}
	history := append([]schema.PlaybackEvent(nil), ph.history...)
	seq := ph.seq
	log := logx.WithPlayback(context.Background(), logx.Ctx(context.Background()), id)
	log.Info("hub subscribe", "subs", len(ph.subs), "history", len(history))
	unsub := func() {
		h.mu.Lock()
		remaining := 0
		if _, ok := ph.subs[ch]; ok {
			delete(ph.subs, ch)
			close(ch)
			remaining = len(ph.subs)
		}
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

// SubscribeRecordings registers a subscriber for recordings index updates.
func (h *Hub) SubscribeRecordings() (<-chan schema.PlaybackEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan schema.PlaybackEvent, 64)
	h.recSubs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.recSubs[ch]; ok {
			delete(h.recSubs, ch)
			close(ch)
		}
	}
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(id schema.PlaybackID, after uint64) []schema.PlaybackEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph := h.playbacks[id]
	if ph == nil {
		return nil
	}
	events := make([]schema.PlaybackEvent, 0, len(ph.history))
	for _, event := range ph.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithPlayback(context.Background(), logx.Ctx(context.Background()), id).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Forget drops the history of a playback and closes its subscribers.
func (h *Hub) Forget(id schema.PlaybackID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph := h.playbacks[id]
	if ph == nil {
		return
	}
	for sub := range ph.subs {
		delete(ph.subs, sub)
		close(sub)
	}
	delete(h.playbacks, id)
}

func (h *Hub) getOrCreateLocked(id schema.PlaybackID) *playbackHub {
	ph := h.playbacks[id]
	if ph == nil {
		ph = &playbackHub{
			subs: make(map[chan schema.PlaybackEvent]struct{}),
		}
		h.playbacks[id] = ph
	}
	return ph
}

type playbackHub struct {
	seq     uint64
	history []schema.PlaybackEvent
	subs    map[chan schema.PlaybackEvent]struct{}
}
