package orders

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusShipped: true, StatusDelivered: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusDelivered: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// PaymentStatus is the order-level view of payment progress.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentPaid       PaymentStatus = "PAID"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// PROCESSING -> PROCESSING covers re-initiation while a payment is pending.
// FAILED -> PROCESSING is a retry with a new payment attempt.
var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:    {PaymentProcessing: true},
	PaymentProcessing: {PaymentProcessing: true, PaymentPaid: true, PaymentFailed: true},
	PaymentFailed:     {PaymentProcessing: true},
	PaymentPaid:       {PaymentRefunded: true},
	PaymentRefunded:   {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}
