package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Eventos publicados por Store (después del commit)
const (
	RKCartBookReserved   = "cart.book.reserved"
	RKCartLineRemoved    = "cart.line.removed"
	RKCartCleared        = "cart.cleared"
	RKOrderPlaced        = "order.placed"
	RKOrderCancelled     = "order.cancelled"
	RKInventoryRestocked = "inventory.restocked"
	RKUserCreated        = "user.created"
	RKUserUpdated        = "user.updated"
)

// Event es el sobre común de todos los eventos.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

type UserCreated struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

type UserUpdated struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

type StockPayload struct {
	BookID           int64 `json:"book_id"`
	Quantity         int32 `json:"quantity"`
	ReservedQuantity int32 `json:"reserved_quantity"`
	SoldQuantity     int32 `json:"sold_quantity"`
}

type CartBookReservedPayload struct {
	UserID     int64        `json:"user_id"`
	CartLineID int64        `json:"cart_line_id"`
	LineQty    int32        `json:"line_qty"`
	Stock      StockPayload `json:"stock"`
}

type CartLineRemovedPayload struct {
	UserID     int64        `json:"user_id"`
	CartLineID int64        `json:"cart_line_id"`
	Released   int32        `json:"released"`
	Stock      StockPayload `json:"stock"`
}

type CartClearedPayload struct {
	UserID int64          `json:"user_id"`
	Lines  int            `json:"lines"`
	Stock  []StockPayload `json:"stock"`
}

type OrderPayload struct {
	OrderID    int64          `json:"order_id"`
	UserID     int64          `json:"user_id"`
	AddressID  int64          `json:"address_id"`
	Items      []OrderItemEvt `json:"items"`
	Quantity   int32          `json:"quantity"`
	TotalCents int64          `json:"total_cents"`
}

type OrderItemEvt struct {
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	Qty       int32  `json:"qty"`
	UnitCents int64  `json:"unit_cents"`
	LineCents int64  `json:"line_cents"`
}

type RestockedPayload struct {
	Added int32        `json:"added"`
	Stock StockPayload `json:"stock"`
}

func stockOf(b *Book) StockPayload {
	return StockPayload{
		BookID:           b.ID,
		Quantity:         b.Quantity,
		ReservedQuantity: b.ReservedQuantity,
		SoldQuantity:     b.SoldQuantity,
	}
}

func orderPayload(o *Order) OrderPayload {
	p := OrderPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		AddressID:  o.AddressID,
		Quantity:   o.Quantity,
		TotalCents: o.TotalCents,
	}
	for _, l := range o.Lines {
		p.Items = append(p.Items, OrderItemEvt{
			BookID:    l.BookID,
			Title:     l.Title,
			Qty:       l.Quantity,
			UnitCents: l.UnitCents,
			LineCents: l.LineCents,
		})
	}
	return p
}

// Publisher entrega eventos a un broker. Las fallas no revierten nada ya confirmado.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }

// publica en todos los brokers; devuelve el primer error
type multiPublisher []Publisher

func (m multiPublisher) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiPublisher) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func combinePublishers(ps ...Publisher) Publisher {
	var out multiPublisher
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nopPublisher{}
	case 1:
		return out[0]
	}
	return out
}

// solo después del commit
func publishAll(ctx context.Context, pub Publisher, events []Event) {
	for _, ev := range events {
		if err := pub.Publish(ctx, ev); err != nil {
			eventsPublishFailed.WithLabelValues(ev.Type).Inc()
			log.Warn().Err(err).Str("event", ev.Type).Str("id", ev.ID).Msg("publish failed")
		}
	}
}
