package schema

// Recording describes one tlog recording assembled from its journal entries.
type Recording struct {
	ID        RecordingID `json:"id"`
	MatchList []Match     `json:"match_list"`
	User      string      `json:"user"`
	BootID    string      `json:"boot_id,omitempty"`
	SessionID int         `json:"session_id,omitempty"`
	PID       int         `json:"pid,omitempty"`
	Hostname  string      `json:"hostname,omitempty"`
	// Start, End and Duration are in milliseconds; Start and End are Unix time.
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Duration int64 `json:"duration"`
}

// RecordingSort names a recordings list ordering.
type RecordingSort string

const (
	SortByStart    RecordingSort = "start"
	SortByEnd      RecordingSort = "end"
	SortByDuration RecordingSort = "duration"
	SortByUser     RecordingSort = "user"
)

// NormalizeRecordingSort validates a sort key, defaulting to start.
func NormalizeRecordingSort(value string) (RecordingSort, error) {
	switch RecordingSort(value) {
	case "":
		return SortByStart, nil
	case SortByStart, SortByEnd, SortByDuration, SortByUser:
		return RecordingSort(value), nil
	default:
		return "", ErrInvalidRequest
	}
}

// SearchMarker is a recording position whose message matched a search.
type SearchMarker struct {
	Pos int64 `json:"pos"`
	ID  int64 `json:"id"`
}
