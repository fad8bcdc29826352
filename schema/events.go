package schema

// EventType identifies a playback event.
type EventType string

const (
	// EventOutput carries terminal output text.
	EventOutput EventType = "output"
	// EventInput carries echoed terminal input.
	EventInput EventType = "input"
	// EventResize carries a terminal geometry change.
	EventResize EventType = "resize"
	// EventReset clears the terminal.
	EventReset EventType = "reset"
	// EventTitle carries a terminal title change.
	EventTitle EventType = "title"
	// EventPosition carries the recording position of an emitted packet.
	EventPosition EventType = "position"
	// EventError carries a playback error.
	EventError EventType = "error"
	// EventRecording announces a new or updated recording in the index.
	EventRecording EventType = "recording"
)

// PlaybackEvent is published to playback viewers.
type PlaybackEvent struct {
	Seq      uint64      `json:"seq"`
	Type     EventType   `json:"type"`
	Playback PlaybackID  `json:"playback,omitempty"`
	Text     string      `json:"text,omitempty"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
	Pos      int64       `json:"pos,omitempty"`
	Error    string      `json:"error,omitempty"`
	Record   *Recording  `json:"recording,omitempty"`
	Origin   RecordingID `json:"origin,omitempty"`
}
