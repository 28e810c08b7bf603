package notify

const TopicNotifications = "storefront.notifications"

// PartitionKey keeps every event of one order (or product) on one
// partition so consumers see them in order.
func PartitionKey(key string) []byte { return []byte(key) }
