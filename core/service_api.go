package core

import (
	"context"

	"pkt.systems/tlogplay/schema"
)

// Service is the transport-agnostic API for browsing and playing recordings.
type Service interface {
	ListRecordings(ctx context.Context, req schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error)
	GetRecording(ctx context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error)
	SearchRecording(ctx context.Context, req schema.SearchRecordingRequest) (schema.SearchRecordingResponse, error)
	OpenPlayback(ctx context.Context, req schema.OpenPlaybackRequest, opts ...PlaybackOption) (schema.OpenPlaybackResponse, error)
	ControlPlayback(ctx context.Context, req schema.ControlPlaybackRequest) (schema.ControlPlaybackResponse, error)
	GetPlayback(ctx context.Context, req schema.GetPlaybackRequest) (schema.GetPlaybackResponse, error)
	ClosePlayback(ctx context.Context, req schema.ClosePlaybackRequest) (schema.ClosePlaybackResponse, error)
	ListPlaybacks(ctx context.Context, req schema.ListPlaybacksRequest) (schema.ListPlaybacksResponse, error)
	// Close stops every open playback.
	Close() error
}

// PlaybackOption adjusts a playback opened through the service.
type PlaybackOption func(*PlaybackConfig)

// WithPlaybackTerminal replays into term in addition to the event sink.
func WithPlaybackTerminal(term Terminal) PlaybackOption {
	return func(cfg *PlaybackConfig) { cfg.Terminal = term }
}
