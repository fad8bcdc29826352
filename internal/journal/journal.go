// Package journal reads structured log entries from the system journal or
// from exported journal files.
package journal

import (
	"context"

	"pkt.systems/tlogplay/schema"
)

// Journal answers journal queries.
type Journal interface {
	// Query starts streaming entries that satisfy every match group.
	Query(ctx context.Context, matches []schema.Match, opts schema.QueryOptions) (Stream, error)
}

// Stream delivers ordered batches of entries. A non-follow stream returns
// io.EOF once every matching entry was delivered; a follow stream runs until
// it is closed or fails.
type Stream interface {
	Next(ctx context.Context) ([]schema.LogEntry, error)
	Close() error
}

// maxBatch bounds how many entries a stream hands out per Next call.
const maxBatch = 256
