package schema

// Recordings.

// ListRecordingsRequest describes a request to list recordings.
type ListRecordingsRequest struct {
	UserID UserID
	// User filters on the recorded user (TLOG_USER).
	User string
	// Since and Until are "YYYY-MM-DD[ HH:MM[:SS]]" local times.
	Since string
	Until string
	Sort  RecordingSort
	Desc  bool
}

// ListRecordingsResponse reports the visible recordings.
type ListRecordingsResponse struct {
	Recordings []Recording
}

// GetRecordingRequest describes a request for one recording.
type GetRecordingRequest struct {
	UserID      UserID
	RecordingID RecordingID
}

// GetRecordingResponse reports a recording.
type GetRecordingResponse struct {
	Recording Recording
}

// SearchRecordingRequest describes a free-text search within a recording.
type SearchRecordingRequest struct {
	UserID      UserID
	RecordingID RecordingID
	Text        string
}

// SearchRecordingResponse reports the matching positions.
type SearchRecordingResponse struct {
	Markers []SearchMarker
}

// Playback.

// OpenPlaybackRequest describes a request to start playing a recording.
type OpenPlaybackRequest struct {
	UserID      UserID
	RecordingID RecordingID
}

// OpenPlaybackResponse reports the new playback session.
type OpenPlaybackResponse struct {
	Playback PlaybackSnapshot
}

// ControlPlaybackRequest describes a player control. Action is a command
// name such as "play", "seek" or "key".
type ControlPlaybackRequest struct {
	UserID     UserID
	PlaybackID PlaybackID
	Action     string
	TS         int64
	Key        string
	Scale      float64
}

// ControlPlaybackResponse reports the player state after the control.
type ControlPlaybackResponse struct {
	Playback PlaybackSnapshot
}

// GetPlaybackRequest describes a request for a playback snapshot.
type GetPlaybackRequest struct {
	UserID     UserID
	PlaybackID PlaybackID
}

// GetPlaybackResponse reports a playback snapshot.
type GetPlaybackResponse struct {
	Playback PlaybackSnapshot
}

// ClosePlaybackRequest describes a request to stop a playback.
type ClosePlaybackRequest struct {
	UserID     UserID
	PlaybackID PlaybackID
}

// ClosePlaybackResponse reports the final playback snapshot.
type ClosePlaybackResponse struct {
	Playback PlaybackSnapshot
}

// ListPlaybacksRequest describes a request to list a user's playbacks.
type ListPlaybacksRequest struct {
	UserID UserID
}

// ListPlaybacksResponse reports open playbacks.
type ListPlaybacksResponse struct {
	Playbacks []PlaybackSnapshot
}
