package orders

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusStockReserved    Status = "STOCK_RESERVED"
	StatusPaymentInitiated Status = "PAYMENT_INITIATED"
	StatusAwaiting3DS      Status = "AWAITING_3DS"
	StatusAuthorized       Status = "AUTHORIZED"
	StatusCaptured         Status = "CAPTURED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:          {StatusStockReserved: true, StatusFailed: true, StatusCancelled: true},
	StatusStockReserved:    {StatusPaymentInitiated: true, StatusFailed: true, StatusCancelled: true},
	StatusPaymentInitiated: {StatusAwaiting3DS: true, StatusAuthorized: true, StatusFailed: true, StatusCancelled: true},
	StatusAwaiting3DS:      {StatusAuthorized: true, StatusFailed: true, StatusCancelled: true},
	StatusAuthorized:       {StatusCaptured: true, StatusFailed: true, StatusCancelled: true},
	StatusCaptured:         {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusCaptured || s == StatusFailed || s == StatusCancelled
}

// Public is the status shown to buyers while they poll.
func (s Status) Public() string {
	switch s {
	case StatusCaptured:
		return "paid"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusAwaiting3DS:
		return "action_required"
	default:
		return "processing"
	}
}

func TerminalStatuses() []Status {
	return []Status{StatusCaptured, StatusFailed, StatusCancelled}
}
