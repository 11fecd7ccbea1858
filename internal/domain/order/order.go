package order

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("order: not found")
	ErrConflict               = errors.New("order: already exists")
	ErrInvalidQuantity        = errors.New("order: quantity must be greater than zero")
	ErrInvalidAmount          = errors.New("order: amount must be zero or greater")
	ErrNoItems                = errors.New("order: at least one item is required")
	ErrUserRequired           = errors.New("order: user id is required")
	ErrProductRequired        = errors.New("order: product id is required")
	ErrInvalidAddress         = errors.New("order: shipping address is incomplete")
	ErrInvalidStatus          = errors.New("order: unknown status")
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
	ErrPaymentIntentMissing   = errors.New("order: payment intent id is required before payment can be marked paid")
	ErrTotalMismatch          = errors.New("order: total does not match item sum")
)

// TotalTolerance bounds the rounding drift accepted between TotalAmount and the item sum.
var TotalTolerance = decimal.New(1, -2)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

// Terminal reports whether no further lifecycle transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// WriteAllowed reports whether a stored (status, payment) pair may be replaced by
// the next pair. Paid is never downgraded and a terminal status never changes, so
// racing writers from the webhook, the sweeps and the status endpoint cannot undo
// each other.
func WriteAllowed(status Status, payment PaymentStatus, next Status, nextPayment PaymentStatus) bool {
	if payment == PaymentPaid && nextPayment != PaymentPaid {
		return false
	}
	if status.Terminal() && next != status {
		return false
	}
	return true
}

type ShippingAddress struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Address  string `json:"address"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
}

// Validate requires every field except State, which not all countries use.
func (a ShippingAddress) Validate() error {
	for _, v := range []string{a.FullName, a.Email, a.Address, a.City, a.Zip, a.Country} {
		if strings.TrimSpace(v) == "" {
			return ErrInvalidAddress
		}
	}
	return nil
}

// Item is a line of an order. Price is the catalog price captured at checkout and
// never changes afterwards.
type Item struct {
	ID            string
	OrderID       string
	ProductID     string
	Quantity      int
	Price         decimal.Decimal
	StockAdjusted bool
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID              string
	UserID          string
	Status          Status
	PaymentStatus   PaymentStatus
	TotalAmount     decimal.Decimal
	ShippingAddress ShippingAddress
	PaymentIntentID string
	Items           []Item
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New builds a pending order and derives TotalAmount from the items.
func New(id, userID string, items []Item, address ShippingAddress) (*Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if err := address.Validate(); err != nil {
		return nil, err
	}

	lines := make([]Item, len(items))
	total := decimal.Zero
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, ErrProductRequired
		}
		if it.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if it.Price.IsNegative() {
			return nil, ErrInvalidAmount
		}
		it.OrderID = id
		lines[i] = it
		total = total.Add(it.Subtotal())
	}

	now := time.Now().UTC()
	return &Order{
		ID:              id,
		UserID:          userID,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		TotalAmount:     total,
		ShippingAddress: address,
		Items:           lines,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ItemsTotal sums price times quantity over every item.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// CheckTotal reports ErrTotalMismatch when TotalAmount drifted from the item sum.
func (o *Order) CheckTotal() error {
	if o.TotalAmount.Sub(o.ItemsTotal()).Abs().GreaterThan(TotalTolerance) {
		return ErrTotalMismatch
	}
	return nil
}

func (o *Order) AttachPaymentIntent(intentID string) error {
	if strings.TrimSpace(intentID) == "" {
		return ErrPaymentIntentMissing
	}
	o.PaymentIntentID = intentID
	o.touch()
	return nil
}

// MarkPaid moves the order to (processing, paid). It reports false when the
// order was already paid so replays are harmless.
func (o *Order) MarkPaid() (bool, error) {
	if o.PaymentIntentID == "" {
		return false, ErrPaymentIntentMissing
	}
	return o.apply(func(s OrderState) (OrderState, PaymentStatus, error) { return s.OnPaymentSucceeded(o) })
}

// MarkPaymentFailed records a failed payment attempt. A paid order is never downgraded.
func (o *Order) MarkPaymentFailed() (bool, error) {
	return o.apply(func(s OrderState) (OrderState, PaymentStatus, error) { return s.OnPaymentFailed(o) })
}

// ChangeStatus drives the explicit lifecycle path (completion and cancellation).
func (o *Order) ChangeStatus(target Status) (bool, error) {
	switch target {
	case StatusCompleted:
		return o.apply(func(s OrderState) (OrderState, PaymentStatus, error) { return s.OnComplete(o) })
	case StatusCancelled:
		return o.apply(func(s OrderState) (OrderState, PaymentStatus, error) { return s.OnCancel(o) })
	case o.Status:
		return false, nil
	case StatusPending, StatusProcessing:
		return false, ErrInvalidStateTransition
	default:
		return false, ErrInvalidStatus
	}
}

// PendingStockItems returns the items whose stock decrement has not been confirmed.
func (o *Order) PendingStockItems() []Item {
	var out []Item
	for _, it := range o.Items {
		if !it.StockAdjusted {
			out = append(out, it)
		}
	}
	return out
}

func (o *Order) MarkStockAdjusted(itemIDs ...string) {
	set := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		set[id] = struct{}{}
	}
	for i := range o.Items {
		if _, ok := set[o.Items[i].ID]; ok {
			o.Items[i].StockAdjusted = true
		}
	}
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	return &c
}

func (o *Order) apply(transition func(OrderState) (OrderState, PaymentStatus, error)) (bool, error) {
	next, pay, err := transition(stateOf(o.Status))
	if err != nil {
		return false, err
	}
	if next.Status() == o.Status && pay == o.PaymentStatus {
		return false, nil
	}
	o.Status = next.Status()
	o.PaymentStatus = pay
	o.touch()
	return true, nil
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}
