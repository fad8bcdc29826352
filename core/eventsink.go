package core

import "pkt.systems/tlogplay/schema"

// EventSink receives playback and recordings index events from the core service.
type EventSink interface {
	OnPlaybackEvent(event schema.PlaybackEvent)
	OnRecording(rec schema.Recording)
}
