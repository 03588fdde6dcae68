package payments

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
	StatusProcessing: {StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
	StatusSucceeded:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Blocking statuses reject a new initiation.
func (s Status) Blocking() bool {
	return s == StatusSucceeded || s == StatusProcessing
}
