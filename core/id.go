package core

import (
	"github.com/google/uuid"

	"pkt.systems/tlogplay/schema"
)

func newPlaybackID() schema.PlaybackID {
	return schema.PlaybackID(uuid.NewString())
}
