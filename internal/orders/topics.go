package orders

// TopicOrderLifecycle carries every order event; the type is in the
// x-event-type header and in the envelope.
const TopicOrderLifecycle = "order.lifecycle"

// Partition key = order id, so events of one order stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
