package health

// State is the pipeline lifecycle state.
type State int

const (
	// Starting means the encoder has not yet been confirmed running with a
	// frame fed.
	Starting State = iota
	// Streaming means frames are flowing to a live encoder at an acceptable
	// success rate.
	Streaming
	// Degraded means the success rate is below threshold or the encoder
	// restart budget is exhausted. The receive path keeps running.
	Degraded
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Healthy reports whether the state should be served as healthy by probes.
func (s State) Healthy() bool {
	return s == Starting || s == Streaming
}
