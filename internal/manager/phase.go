package manager

// Phase is a service's lifecycle state.
type Phase string

const (
	Pending        Phase = "Pending"
	Starting       Phase = "Starting"
	AwaitingHealth Phase = "AwaitingHealth"
	Running        Phase = "Running"
	Stopping       Phase = "Stopping"
	Stopped        Phase = "Stopped"
	Failed         Phase = "Failed"
)

var transitions = map[Phase][]Phase{
	Pending:        {Starting},
	Starting:       {AwaitingHealth, Failed},
	AwaitingHealth: {Running, Failed},
	Running:        {Stopping, Failed},
	Stopping:       {Stopped, Failed},
	// leaving a terminal phase requires an explicit start request
	Stopped: {Starting},
	Failed:  {Starting},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether p is Stopped or Failed.
func (p Phase) Terminal() bool { return p == Stopped || p == Failed }

// Active reports whether a process may exist for a service in phase p.
func (p Phase) Active() bool {
	switch p {
	case Starting, AwaitingHealth, Running, Stopping:
		return true
	}
	return false
}

func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}
