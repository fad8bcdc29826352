package schema

// PacketKind distinguishes packet variants.
type PacketKind int

const (
	// PacketIO is a run of input or output text.
	PacketIO PacketKind = iota
	// PacketResize is a terminal geometry change.
	PacketResize
)

// String returns the kind name.
func (k PacketKind) String() string {
	switch k {
	case PacketIO:
		return "io"
	case PacketResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Packet is one decoded terminal event at a recording position.
type Packet struct {
	Kind PacketKind `json:"kind"`
	// Pos is the offset from the recording start in milliseconds.
	Pos    int64  `json:"pos"`
	Output bool   `json:"output,omitempty"`
	Text   string `json:"text,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// IOPacket builds an input or output packet.
func IOPacket(pos int64, output bool, text string) Packet {
	return Packet{Kind: PacketIO, Pos: pos, Output: output, Text: text}
}

// ResizePacket builds a resize packet.
func ResizePacket(pos int64, width, height int) Packet {
	return Packet{Kind: PacketResize, Pos: pos, Width: width, Height: height}
}

// IsInput reports whether the packet is terminal input.
func (p Packet) IsInput() bool {
	return p.Kind == PacketIO && !p.Output
}

// IsOutput reports whether the packet is terminal output.
func (p Packet) IsOutput() bool {
	return p.Kind == PacketIO && p.Output
}
