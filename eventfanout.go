package tlogplay

import (
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/schema"
)

// eventFanout delivers index and playback events to every viewer front end
// in order. Nil entries are skipped.
type eventFanout []core.EventSink

func newEventSink(sinks ...core.EventSink) core.EventSink {
	var live eventFanout
	for _, sink := range sinks {
		if sink != nil {
			live = append(live, sink)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return live
}

func (f eventFanout) OnPlaybackEvent(event schema.PlaybackEvent) {
	for _, sink := range f {
		if sink != nil {
			sink.OnPlaybackEvent(event)
		}
	}
}

func (f eventFanout) OnRecording(rec schema.Recording) {
	for _, sink := range f {
		if sink != nil {
			sink.OnRecording(rec)
		}
	}
}
