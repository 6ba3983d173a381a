package session

// transitions lists every allowed status change. Stopped is terminal.
var transitions = map[Status][]Status{
	StatusStarting:         {StatusIdle, StatusError, StatusStopped},
	StatusIdle:             {StatusProcessing, StatusError, StatusStopped},
	StatusProcessing:       {StatusIdle, StatusAwaitingApproval, StatusError, StatusStopped},
	StatusAwaitingApproval: {StatusProcessing, StatusIdle, StatusError, StatusStopped},
	StatusError:            {StatusError, StatusStopped},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
