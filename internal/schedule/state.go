package schedule

type State int

const (
	Idle State = iota
	Armed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
