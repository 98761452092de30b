package ivxp

import "time"

// Order is the durable record behind an order_id, tracked through the
// quoted -> paid -> delivered|delivery_failed -> confirmed DAG.
type Order struct {
	OrderID          string
	Status           OrderStatus
	ClientAddress    string
	ProviderAddress  string
	ServiceType      string
	PriceUSDC        string
	Network          Network
	TokenContract    string
	TxHash           string
	DeliveryEndpoint string
	DeliverableBody  string
	DeliverableFmt   string
	ContentHash      string
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the quote backing o has lapsed and o is still
// in the pre-payment state. Enforced at /deliver (DESIGN.md: quote
// expiry decision).
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusQuoted && !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// validTransitions enumerates the DAG's legal edges. The
// optional confirmed state may be entered from either terminal delivery
// outcome.
var validTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusQuoted: {
		StatusPaid: true,
	},
	StatusPaid: {
		StatusDelivered:      true,
		StatusDeliveryFailed: true,
	},
	StatusDelivered: {
		StatusConfirmed: true,
	},
	StatusDeliveryFailed: {
		StatusConfirmed: true,
	},
}

// CanTransition reports whether moving from -> to is a legal DAG edge.
func CanTransition(from, to OrderStatus) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Advance returns a copy of o moved to newStatus, or an *IVXPError coded
// INVALID_ORDER_STATUS if the edge is illegal. It does not touch storage;
// callers apply it via OrderStorage.CompareAndSwap so the check and the
// write stay atomic under concurrent callers.
func (o *Order) Advance(newStatus OrderStatus, now time.Time) (*Order, error) {
	if !CanTransition(o.Status, newStatus) {
		return nil, Newf(ErrInvalidOrderStatus, "cannot move order %s from %s to %s", o.OrderID, o.Status, newStatus).
			WithDetails(map[string]interface{}{"from": string(o.Status), "to": string(newStatus)})
	}
	next := *o
	next.Status = newStatus
	next.UpdatedAt = now
	return &next, nil
}

// ToStatusView projects o into the wire shape returned by GET /ivxp/status/{id}.
func (o *Order) ToStatusView() OrderStatusView {
	return OrderStatusView{
		OrderID:     o.OrderID,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
		ServiceType: o.ServiceType,
		PriceUSDC:   o.PriceUSDC,
		ContentHash: o.ContentHash,
	}
}

// ToDeliverable projects o into the wire shape returned by GET /ivxp/download/{id}.
// It does not check o's status; callers must guard first.
func (o *Order) ToDeliverable() Deliverable {
	return Deliverable{
		Protocol:    ProtocolVersion,
		MessageType: "service_delivery",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		OrderID:     o.OrderID,
		Status:      "completed",
		Deliverable: DeliverableBody{
			Type:    o.ServiceType,
			Format:  o.DeliverableFmt,
			Content: o.DeliverableBody,
		},
		ContentHash: o.ContentHash,
		DeliveredAt: o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
