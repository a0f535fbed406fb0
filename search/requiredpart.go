package search

// RequiredPart says how much of a message has to be fetched before a rule or
// action can run. Values are ordered by cost.
type RequiredPart int

const (
	Envelope RequiredPart = iota
	Header
	CompleteMessage
)

func (p RequiredPart) String() string {
	switch p {
	case Envelope:
		return "envelope"
	case Header:
		return "header"
	case CompleteMessage:
		return "complete"
	default:
		return "unknown"
	}
}

// MaxPart returns the more expensive of a and b.
func MaxPart(a, b RequiredPart) RequiredPart {
	if a > b {
		return a
	}
	return b
}
