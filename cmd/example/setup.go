package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"time"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func RandStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

type LineItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitCents int    `json:"unitCents"`
}

func NewLineItem() LineItem {
	return LineItem{
		SKU:       RandStringBytes(12),
		Quantity:  1 + rand.Intn(9),
		UnitCents: 100 + rand.Intn(99900),
	}
}

type Order struct {
	OrderID  string     `json:"orderId"`
	Customer string     `json:"customer"`
	PlacedAt time.Time  `json:"placedAt"`
	Items    []LineItem `json:"items"`
}

func NewOrder() Order {
	return Order{
		OrderID:  RandStringBytes(20),
		Customer: RandStringBytes(8),
		PlacedAt: time.Now().UTC(),
		Items: []LineItem{
			NewLineItem(),
			NewLineItem(),
		},
	}
}

func GenerateOrders(count int) []Order {
	if count < 1 {
		count = 1
	}

	orders := make([]Order, count)
	for i := range orders {
		orders[i] = NewOrder()
	}

	return orders
}

// MarshalDataset renders records as JSON lines, the dataset format the
// exchange moves around.
func MarshalDataset(records []Order) []byte {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)

	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			panic(err)
		}
	}

	return buf.Bytes()
}
