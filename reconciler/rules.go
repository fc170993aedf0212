package reconciler

import "fadedreams/autofix/domain"

// transitionRule raises a customer notification when a request moves between
// two observed states.
type transitionRule struct {
	kind    domain.NotificationType
	title   string
	message func(counterpart string) string
	match   func(prev, next domain.ServiceRequest) bool
}

// rules are evaluated in order and the first match wins.
var rules = []transitionRule{
	{
		kind:    domain.NotifyAcceptance,
		title:   "Request accepted",
		message: func(name string) string { return name + " accepted your request and is on the way." },
		match: func(prev, next domain.ServiceRequest) bool {
			return prev.Status == domain.StatusPending && next.Status == domain.StatusAccepted
		},
	},
	{
		kind:    domain.NotifyRejection,
		title:   "Request declined",
		message: func(name string) string { return name + " is unable to take your request." },
		match: func(prev, next domain.ServiceRequest) bool {
			return prev.Status == domain.StatusPending && next.Status == domain.StatusRejected
		},
	},
	{
		kind:    domain.NotifyArrival,
		title:   "Mechanic arrived",
		message: func(name string) string { return name + " has arrived at your location." },
		match: func(prev, next domain.ServiceRequest) bool {
			return !prev.MechanicArrived && next.MechanicArrived
		},
	},
	{
		kind:    domain.NotifyCompletion,
		title:   "Service completed",
		message: func(name string) string { return name + " has completed the service. Leave a review!" },
		match: func(prev, next domain.ServiceRequest) bool {
			return !prev.ServiceCompleted && next.ServiceCompleted
		},
	},
}

// EvaluateTransition returns the notification type raised by moving from prev
// to next, if any.
func EvaluateTransition(prev, next domain.ServiceRequest) (domain.NotificationType, bool) {
	if r, ok := matchRule(prev, next); ok {
		return r.kind, true
	}
	return "", false
}

func matchRule(prev, next domain.ServiceRequest) (transitionRule, bool) {
	for _, r := range rules {
		if r.match(prev, next) {
			return r, true
		}
	}
	return transitionRule{}, false
}
