package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/internal/tlog"
	"pkt.systems/tlogplay/schema"
)

// Search runs a one-shot grep over a recording's messages and returns a
// marker per matching message. It shares nothing with any packet buffer.
func Search(ctx context.Context, j journal.Journal, matches []schema.Match, text string) ([]schema.SearchMarker, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty search text", schema.ErrInvalidRequest)
	}
	log := pslog.Ctx(ctx)
	stream, err := j.Query(ctx, matches, schema.QueryOptions{
		Count: schema.CountAll,
		Merge: true,
		Grep:  text,
	})
	if err != nil {
		log.Warn("search query failed", "err", err)
		return nil, err
	}
	defer stream.Close()

	var markers []schema.SearchMarker
	for {
		entries, err := stream.Next(ctx)
		for _, entry := range entries {
			msg, merr := tlog.MessageFromEntry(entry)
			if merr != nil {
				log.Warn("search entry invalid", "cursor", entry.Cursor, "err", merr)
				return markers, fmt.Errorf("entry %s: %w", entry.Cursor, merr)
			}
			markers = append(markers, schema.SearchMarker{Pos: msg.Pos, ID: msg.ID})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("search stream failed", "err", err)
			return markers, err
		}
	}
	log.Debug("search ok", "markers", len(markers))
	return markers, nil
}
