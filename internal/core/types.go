package core

import (
	"errors"
	"time"
)

var (
	ErrEmptyOrder         = errors.New("order has no items")
	ErrMissingOrderID     = errors.New("order id is required")
	ErrInvalidQuantity    = errors.New("item quantity must be positive")
	ErrUnknownDestination = errors.New("no renderer for destination")
	ErrJobNotFound        = errors.New("print job not found")
	ErrOffline            = errors.New("cannot sync while offline")
	ErrNoRecords          = errors.New("no records to enqueue")
	ErrMissingSyncType    = errors.New("sync type is required")
)

// CategoryBeverage routes an item to the bar instead of the kitchen.
const CategoryBeverage = "beverage"

// Order is the fully-formed order handed over at checkout. The pipeline reads
// it to render tickets and never mutates it.
type Order struct {
	Order      OrderInfo   `json:"order"`
	Customer   *Customer   `json:"customer,omitempty"`
	Payment    *Payment    `json:"payment,omitempty"`
	Items      []OrderItem `json:"items"`
	Totals     Totals      `json:"totals"`
	Restaurant *Restaurant `json:"restaurant,omitempty"`
}

type OrderInfo struct {
	ID        string    `json:"id"`
	Status    string    `json:"status,omitempty"`
	Type      string    `json:"type,omitempty"`
	Table     string    `json:"table,omitempty"`
	Cashier   string    `json:"cashier,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Payment struct {
	Method   string  `json:"method"`
	Tendered float64 `json:"tendered,omitempty"`
	Change   float64 `json:"change,omitempty"`
}

type OrderItem struct {
	ProductID     string         `json:"productId,omitempty"`
	Name          string         `json:"name"`
	Category      string         `json:"category,omitempty"`
	Quantity      int            `json:"quantity"`
	PriceEach     float64        `json:"priceEach"`
	Size          string         `json:"size,omitempty"`
	Modifications []Modification `json:"modifications,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// LineTotal is quantity times unit price.
func (i OrderItem) LineTotal() float64 {
	return float64(i.Quantity) * i.PriceEach
}

func (i OrderItem) IsBeverage() bool {
	return i.Category == CategoryBeverage
}

type Modification struct {
	Name  string  `json:"name"`
	Price float64 `json:"price,omitempty"`
}

type Totals struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount,omitempty"`
	Tax      float64 `json:"tax"`
	TaxRate  float64 `json:"taxRate,omitempty"`
	Total    float64 `json:"total"`
}

type Restaurant struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`
}

// Validate rejects orders that must never enter the pipeline.
func (o *Order) Validate() error {
	if o.Order.ID == "" {
		return ErrMissingOrderID
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}
