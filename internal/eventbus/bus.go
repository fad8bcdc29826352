package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

// Bus fans playback events out to per-playback subscribers and index
// updates to recordings subscribers. Slow subscribers lose events.
type Bus struct {
	mu      sync.Mutex
	subs    map[schema.PlaybackID]map[chan schema.PlaybackEvent]struct{}
	recSubs map[chan schema.Recording]struct{}
	log     pslog.Logger
	depth   int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:    make(map[schema.PlaybackID]map[chan schema.PlaybackEvent]struct{}),
		recSubs: make(map[chan schema.Recording]struct{}),
		log:     logger,
		depth:   256,
	}
}

// Subscribe registers a subscriber for one playback and returns a channel + cancel.
func (b *Bus) Subscribe(id schema.PlaybackID) (<-chan schema.PlaybackEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.PlaybackEvent, b.depth)
	b.mu.Lock()
	subs := b.subs[id]
	if subs == nil {
		subs = make(map[chan schema.PlaybackEvent]struct{})
		b.subs[id] = subs
	}
	subs[ch] = struct{}{}
	count := len(subs)
	b.mu.Unlock()
	b.log.With("playback", id).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[id]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("playback", id).Debug("eventbus unsubscribe")
		})
	}
}

// SubscribeRecordings registers a subscriber for recordings index updates.
func (b *Bus) SubscribeRecordings() (<-chan schema.Recording, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.Recording, b.depth)
	b.mu.Lock()
	b.recSubs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.recSubs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// OnPlaybackEvent implements core.EventSink. Sends never block, so they run
// under the lock and cannot race an unsubscribe.
func (b *Bus) OnPlaybackEvent(event schema.PlaybackEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[event.Playback] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("playback", event.Playback).Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}

// OnRecording implements core.EventSink.
func (b *Bus) OnRecording(rec schema.Recording) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.recSubs {
		select {
		case sub <- rec:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus recording dropped", "recording", rec.ID, "count", dropped)
	}
}
