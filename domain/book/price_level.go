package book

import "fmt"

// PriceLevel holds the FIFO queue of resting orders at one normalized price.
// Arrival order is queue order (price-time priority).
type PriceLevel struct {
	Price      int
	head       *Order
	tail       *Order
	TotalQty   int64
	OrderCount int
}

// Head returns the oldest resting order at this level.
func (p *PriceLevel) Head() *Order { return p.head }

func (p *PriceLevel) enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.TotalQty += o.Quantity
	p.OrderCount++
}

func (p *PriceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.prev = nil
	o.next = nil
	p.TotalQty -= o.Quantity
	p.OrderCount--
	if p.TotalQty < 0 {
		p.TotalQty = 0
	}
}

func (p *PriceLevel) empty() bool { return p.head == nil }

func (p *PriceLevel) String() string {
	return fmt.Sprintf("level{price=%d qty=%d orders=%d}", p.Price, p.TotalQty, p.OrderCount)
}
