package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

type contextKey int

const (
	userKey contextKey = iota
	recordingKey
	playbackKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithUserRecording annotates the logger with user and recording identifiers.
func WithUserRecording(ctx context.Context, userID schema.UserID, recID schema.RecordingID) pslog.Logger {
	log := WithUser(ctx, userID)
	if recID != "" {
		if current, ok := ctx.Value(recordingKey).(schema.RecordingID); ok && current == recID {
			return log
		}
		log = log.With("recording", recID)
	}
	return log
}

// WithPlayback annotates the logger with a playback id when available.
func WithPlayback(ctx context.Context, log pslog.Logger, playbackID schema.PlaybackID) pslog.Logger {
	if playbackID != "" {
		if current, ok := ctx.Value(playbackKey).(schema.PlaybackID); ok && current == playbackID {
			return log
		}
		log = log.With("playback", playbackID)
	}
	return log
}

// WithRecording annotates the logger with recording metadata when available.
func WithRecording(log pslog.Logger, rec schema.Recording) pslog.Logger {
	if rec.ID != "" {
		log = log.With("recording", rec.ID)
	}
	if rec.User != "" {
		log = log.With("recording_user", rec.User)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithRecording stores the recording marker on the context.
func ContextWithRecording(ctx context.Context, recID schema.RecordingID) context.Context {
	if ctx == nil || recID == "" {
		return ctx
	}
	return context.WithValue(ctx, recordingKey, recID)
}

// ContextWithPlayback stores the playback marker on the context.
func ContextWithPlayback(ctx context.Context, playbackID schema.PlaybackID) context.Context {
	if ctx == nil || playbackID == "" {
		return ctx
	}
	return context.WithValue(ctx, playbackKey, playbackID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithPlaybackLogger attaches the logger plus user, recording and
// playback markers to the context.
func ContextWithPlaybackLogger(ctx context.Context, log pslog.Logger, userID schema.UserID, recID schema.RecordingID, playbackID schema.PlaybackID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithPlayback(ContextWithRecording(ContextWithUser(ctx, userID), recID), playbackID)
}

// CopyContextFields copies user, recording and playback markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	if rec, ok := src.Value(recordingKey).(schema.RecordingID); ok && rec != "" {
		dst = ContextWithRecording(dst, rec)
	}
	if pb, ok := src.Value(playbackKey).(schema.PlaybackID); ok && pb != "" {
		dst = ContextWithPlayback(dst, pb)
	}
	return dst
}
