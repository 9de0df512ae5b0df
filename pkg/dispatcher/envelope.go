// Envelope classification for incoming queue events: a raw JSON blob is
// sniffed for its "type" field before being fully decoded.
package dispatcher

import (
	"encoding/json"
	"fmt"
)

// Method is the dispatched operation named by an event's "type" field.
type Method string

const (
	MethodPlaceOrder  Method = "place-order"
	MethodCancelOrder Method = "cancel-order"
	MethodDeposit     Method = "deposit"
	MethodWithdraw    Method = "withdraw"
)

// Classify sniffs the "type" field of a raw event payload without decoding
// the rest of it. An unrecognized or malformed envelope is a hard validation
// error: there is no silent fallback to any particular operation.
func Classify(raw []byte) (Method, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return "", fmt.Errorf("dispatcher: event is not a JSON object")
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("dispatcher: malformed envelope: %w", err)
	}
	switch Method(envelope.Type) {
	case MethodPlaceOrder, MethodCancelOrder, MethodDeposit, MethodWithdraw:
		return Method(envelope.Type), nil
	default:
		return "", fmt.Errorf("dispatcher: unknown event type %q", envelope.Type)
	}
}

// PlaceOrderPayload is the body of a place-order event. It carries no order
// id: a Quote's id is assigned by the dispatcher itself, never supplied by
// the submitter.
type PlaceOrderPayload struct {
	Kind      string `json:"type"` // "limit" | "market"
	Side      string `json:"side"` // "buy" | "sell"
	Price     int64  `json:"price"`
	Qty       int64  `json:"amount"`
	AccountID int64  `json:"account_id"`
}

// CancelOrderPayload is the body of a cancel-order event.
type CancelOrderPayload struct {
	OrderID int64 `json:"order_id"`
}

// DepositPayload is the body of a deposit event.
type DepositPayload struct {
	AccountID int64 `json:"account_id"`
	AssetID   int64 `json:"asset_id"`
	Amount    int64 `json:"amount"`
}

// WithdrawPayload is the body of a withdraw event.
type WithdrawPayload struct {
	AccountID int64 `json:"account_id"`
	AssetID   int64 `json:"asset_id"`
	Amount    int64 `json:"amount"`
}

func decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return validationErrorf("dispatcher: decode payload: %v", err)
	}
	return nil
}
