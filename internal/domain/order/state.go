package order

// OrderState implements the state pattern for order lifecycle transitions. Each
// hook returns the next state and the payment status that goes with it.
type OrderState interface {
	Status() Status
	OnPaymentSucceeded(o *Order) (OrderState, PaymentStatus, error)
	OnPaymentFailed(o *Order) (OrderState, PaymentStatus, error)
	OnComplete(o *Order) (OrderState, PaymentStatus, error)
	OnCancel(o *Order) (OrderState, PaymentStatus, error)
}

func stateOf(s Status) OrderState {
	switch s {
	case StatusProcessing:
		return processingState{}
	case StatusCompleted:
		return completedState{}
	case StatusCancelled:
		return cancelledState{}
	default:
		return pendingState{}
	}
}

type pendingState struct{}

func (pendingState) Status() Status { return StatusPending }

func (pendingState) OnPaymentSucceeded(*Order) (OrderState, PaymentStatus, error) {
	return processingState{}, PaymentPaid, nil
}

func (pendingState) OnPaymentFailed(*Order) (OrderState, PaymentStatus, error) {
	return pendingState{}, PaymentFailed, nil
}

func (pendingState) OnComplete(*Order) (OrderState, PaymentStatus, error) {
	return nil, "", ErrInvalidStateTransition
}

func (pendingState) OnCancel(o *Order) (OrderState, PaymentStatus, error) {
	return cancelledState{}, o.PaymentStatus, nil
}

type processingState struct{}

func (processingState) Status() Status { return StatusProcessing }

func (processingState) OnPaymentSucceeded(*Order) (OrderState, PaymentStatus, error) {
	return processingState{}, PaymentPaid, nil
}

// A late failure event never downgrades a paid order.
func (processingState) OnPaymentFailed(o *Order) (OrderState, PaymentStatus, error) {
	return processingState{}, o.PaymentStatus, nil
}

func (processingState) OnComplete(o *Order) (OrderState, PaymentStatus, error) {
	return completedState{}, o.PaymentStatus, nil
}

func (processingState) OnCancel(o *Order) (OrderState, PaymentStatus, error) {
	return cancelledState{}, o.PaymentStatus, nil
}

type completedState struct{}

func (completedState) Status() Status { return StatusCompleted }

func (completedState) OnPaymentSucceeded(o *Order) (OrderState, PaymentStatus, error) {
	return completedState{}, o.PaymentStatus, nil
}

func (completedState) OnPaymentFailed(o *Order) (OrderState, PaymentStatus, error) {
	return completedState{}, o.PaymentStatus, nil
}

func (completedState) OnComplete(o *Order) (OrderState, PaymentStatus, error) {
	return completedState{}, o.PaymentStatus, nil
}

func (completedState) OnCancel(*Order) (OrderState, PaymentStatus, error) {
	return nil, "", ErrInvalidStateTransition
}

type cancelledState struct{}

func (cancelledState) Status() Status { return StatusCancelled }

func (cancelledState) OnPaymentSucceeded(o *Order) (OrderState, PaymentStatus, error) {
	if o.PaymentStatus == PaymentPaid {
		return cancelledState{}, PaymentPaid, nil
	}
	return nil, "", ErrInvalidStateTransition
}

func (cancelledState) OnPaymentFailed(o *Order) (OrderState, PaymentStatus, error) {
	if o.PaymentStatus == PaymentPaid {
		return cancelledState{}, PaymentPaid, nil
	}
	return cancelledState{}, PaymentFailed, nil
}

func (cancelledState) OnComplete(*Order) (OrderState, PaymentStatus, error) {
	return nil, "", ErrInvalidStateTransition
}

func (cancelledState) OnCancel(o *Order) (OrderState, PaymentStatus, error) {
	return cancelledState{}, o.PaymentStatus, nil
}
