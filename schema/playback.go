package schema

// Zoom is the display scale state of a player.
type Zoom struct {
	Scale   float64 `json:"scale"`
	Initial float64 `json:"initial"`
	Locked  bool    `json:"locked"`
}

// PlayerSnapshot is the observable state of a player.
type PlayerSnapshot struct {
	Index       int    `json:"index"`
	Pos         int64  `json:"pos"`
	Duration    int64  `json:"duration"`
	Paused      bool   `json:"paused"`
	SpeedExp    int    `json:"speed_exp"`
	Speed       string `json:"speed"`
	FastForward bool   `json:"fast_forward"`
	Loaded      bool   `json:"loaded"`
	Title       string `json:"title"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	Zoom        Zoom   `json:"zoom"`
}

// PlaybackSnapshot describes a playback session.
type PlaybackSnapshot struct {
	ID        PlaybackID     `json:"id"`
	Recording Recording      `json:"recording"`
	Player    PlayerSnapshot `json:"player"`
	Input     string         `json:"input"`
	Buffer    string         `json:"buffer"`
	Packets   int            `json:"packets"`
	Errors    []string       `json:"errors,omitempty"`
}
