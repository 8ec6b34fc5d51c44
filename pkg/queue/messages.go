package queue

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderMessage is the order-queue payload published by intake and consumed by
// fulfillment.
type OrderMessage struct {
	OrderID          int64           `json:"orderId"`
	AccountID        int64           `json:"accountId"`
	ProductVariantID int64           `json:"productVariantId"`
	Quantity         int             `json:"quantity"`
	TotalPrice       decimal.Decimal `json:"totalPrice"`
}

// PaymentMessage is the payment-queue payload published by fulfillment and
// consumed by settlement.
type PaymentMessage struct {
	OrderID   int64           `json:"orderId"`
	AccountID int64           `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
}

// DecodeOrderMessage parses an order-queue message body.
func DecodeOrderMessage(data []byte) (OrderMessage, error) {
	var msg OrderMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return OrderMessage{}, fmt.Errorf("decoding order message: %w", err)
	}
	if msg.OrderID == 0 {
		return OrderMessage{}, fmt.Errorf("order message missing orderId")
	}
	return msg, nil
}

// DecodePaymentMessage parses a payment-queue message body.
func DecodePaymentMessage(data []byte) (PaymentMessage, error) {
	var msg PaymentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PaymentMessage{}, fmt.Errorf("decoding payment message: %w", err)
	}
	if msg.OrderID == 0 {
		return PaymentMessage{}, fmt.Errorf("payment message missing orderId")
	}
	return msg, nil
}
