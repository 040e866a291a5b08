package process

// Activity is the fine-grained derived state used solely for hang detection,
// distinct from the coarser State machine (idle/spawning/active).
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityResponding
	ActivityToolExecuting
	ActivityWaitingForAPI
)

func (a Activity) String() string {
	switch a {
	case ActivityResponding:
		return "responding"
	case ActivityToolExecuting:
		return "tool_executing"
	case ActivityWaitingForAPI:
		return "waiting_for_api"
	default:
		return "idle"
	}
}
