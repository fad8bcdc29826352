package core

import "pkt.systems/tlogplay/schema"

// Renderer formats recordings into display lines for a text transport.
type Renderer interface {
	FormatRecordings(recs []schema.Recording) []string
	FormatRecording(rec schema.Recording) []string
	FormatMarkers(markers []schema.SearchMarker) []string
}
