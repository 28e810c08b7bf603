package orders

import (
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
)

var validNext = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderPending:    {domain.OrderConfirmed: true, domain.OrderCancelled: true},
	domain.OrderConfirmed:  {domain.OrderProcessing: true, domain.OrderCancelled: true},
	domain.OrderProcessing: {domain.OrderShipped: true},
	domain.OrderShipped:    {domain.OrderDelivered: true},
	domain.OrderDelivered:  {},
	domain.OrderCancelled:  {},
}

func CanTransition(from, to domain.OrderStatus) bool {
	return validNext[from][to]
}

// Allowed lists the statuses reachable from from, in lifecycle order.
func Allowed(from domain.OrderStatus) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, s := range domain.OrderStatuses {
		if validNext[from][s] {
			out = append(out, s)
		}
	}
	return out
}

// Valid reports whether s is a known status.
func Valid(s domain.OrderStatus) bool {
	_, ok := validNext[s]
	return ok
}
