package book

import "fmt"

// Side is the contract side of a binary market order as submitted.
type Side uint8

const (
	Yes Side = iota
	No
)

func (s Side) String() string {
	if s == Yes {
		return "yes"
	}
	return "no"
}

// Action is the order direction as submitted.
type Action uint8

const (
	Buy Action = iota
	Sell
)

func (a Action) String() string {
	if a == Buy {
		return "buy"
	}
	return "sell"
}

// Order is a resting limit order, normalized to the YES perspective so one
// bid/ask pair can hold both sides of the contract. A NO order at price P is
// economically equivalent to the opposite YES action at 100-P.
//
// prev/next link the order into its price level's FIFO queue; an order is
// owned by exactly one book once admitted.
type Order struct {
	ID              string
	Side            Side
	Action          Action
	Price           int // original price, cents, [1,99]
	NormalizedPrice int
	NormalizedBuy   bool
	Quantity        int64

	prev *Order
	next *Order
}

// NewOrder normalizes a submitted order:
//
//	buy  YES @ P -> buy  @ P
//	sell YES @ P -> sell @ P
//	buy  NO  @ P -> sell @ 100-P
//	sell NO  @ P -> buy  @ 100-P
func NewOrder(id string, side Side, action Action, price int, qty int64) (*Order, error) {
	if price < 1 || price > 99 {
		return nil, fmt.Errorf("price %d outside [1,99]", price)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("quantity %d must be positive", qty)
	}
	o := &Order{
		ID:       id,
		Side:     side,
		Action:   action,
		Price:    price,
		Quantity: qty,
	}
	if side == Yes {
		o.NormalizedPrice = price
		o.NormalizedBuy = action == Buy
	} else {
		o.NormalizedPrice = 100 - price
		o.NormalizedBuy = action == Sell
	}
	return o, nil
}

// Next returns the order behind this one in its price level queue.
func (o *Order) Next() *Order { return o.next }
