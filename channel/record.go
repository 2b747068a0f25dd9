package channel

// Stage is the progress of a calendar connection attempt.
type Stage string

const (
	StageNone       Stage = ""
	StageConnecting Stage = "connecting"
	StageVerifying  Stage = "verifying"
	StageComplete   Stage = "complete"
	// StageFailed ends an attempt that will not complete; the message says why.
	StageFailed Stage = "failed"
)

// Order returns the position of s in the connection sequence, or -1 for unknown stages.
func (s Stage) Order() int {
	switch s {
	case StageNone:
		return 0
	case StageConnecting:
		return 1
	case StageVerifying:
		return 2
	case StageComplete, StageFailed:
		return 3
	default:
		return -1
	}
}

func (s Stage) Valid() bool {
	return s.Order() >= 0
}

// Terminal reports whether no stage can follow s within the same attempt.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Record is a snapshot of the connection attempt keys.
type Record struct {
	Stage       Stage
	Message     string
	Complete    bool
	Destination string
}

// DestinationOrDefault returns the stored destination, or DefaultDestination when none was written.
func (r Record) DestinationOrDefault() string {
	if r.Destination == "" {
		return DefaultDestination
	}
	return r.Destination
}

// Record returns the current attempt.
func (c *Channel) Record() Record {
	values := c.All()
	return Record{
		Stage:       Stage(values[StageKey]),
		Message:     values[MessageKey],
		Complete:    values[CompleteKey] == CompleteValue,
		Destination: values[DestinationKey],
	}
}

// SetStage writes the stage and, when message is not empty, the message.
func (c *Channel) SetStage(stage Stage, message string) error {
	set := map[string]string{StageKey: string(stage)}
	if message != "" {
		set[MessageKey] = message
	}
	return c.Apply(set)
}

// MarkComplete writes the complete stage and sets the completion flag.
func (c *Channel) MarkComplete(message string) error {
	set := map[string]string{
		StageKey:    string(StageComplete),
		CompleteKey: CompleteValue,
	}
	if message != "" {
		set[MessageKey] = message
	}
	return c.Apply(set)
}
