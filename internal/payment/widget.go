package payment

// Descriptor is the order handed to the payment widget. The amount is in
// integer currency units; completion is signalled out of process via the
// success/fail redirect URLs.
type Descriptor struct {
	OrderID    string `json:"orderId"`
	OrderName  string `json:"orderName"`
	Amount     int64  `json:"amount"`
	SuccessURL string `json:"successUrl"`
	FailURL    string `json:"failUrl"`
}

// Widget is the opaque payment-provider capability. The provider itself is
// an external collaborator; nothing here implements it beyond test fakes.
type Widget interface {
	// Render prepares the widget to display the given amount.
	Render(amount int64)
	// RequestPayment starts the provider's checkout flow for the order.
	// The final outcome arrives on the redirect URLs, not here.
	RequestPayment(order Descriptor) error
}
