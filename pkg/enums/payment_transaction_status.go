package enums

import "fmt"

// PaymentTransactionStatus tracks the lifecycle of a wallet deposit.
type PaymentTransactionStatus string

const (
	PaymentTransactionStatusPending   PaymentTransactionStatus = "pending"
	PaymentTransactionStatusSuccess   PaymentTransactionStatus = "success"
	PaymentTransactionStatusCancelled PaymentTransactionStatus = "cancelled"
)

var validPaymentTransactionStatuses = []PaymentTransactionStatus{
	PaymentTransactionStatusPending,
	PaymentTransactionStatusSuccess,
	PaymentTransactionStatusCancelled,
}

// String implements fmt.Stringer.
func (p PaymentTransactionStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentTransactionStatus.
func (p PaymentTransactionStatus) IsValid() bool {
	for _, candidate := range validPaymentTransactionStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (p PaymentTransactionStatus) IsTerminal() bool {
	return p == PaymentTransactionStatusSuccess || p == PaymentTransactionStatusCancelled
}

// ParsePaymentTransactionStatus converts raw input into a PaymentTransactionStatus.
func ParsePaymentTransactionStatus(value string) (PaymentTransactionStatus, error) {
	for _, candidate := range validPaymentTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment transaction status %q", value)
}
