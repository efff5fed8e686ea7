package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Orden de bloqueo dentro de una unidad de trabajo:
//  1. fila del usuario (serializa carrito y órdenes de un mismo usuario)
//  2. fila de la orden, si aplica
//  3. filas de libros en orden ascendente de id
// Ninguna unidad de trabajo toma estos bloqueos en otro orden, así que no hay ciclos de espera.

type ReservationService struct {
	repo *Repository
	pub  Publisher
	now  func() time.Time
}

func NewReservationService(repo *Repository, pub Publisher) *ReservationService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &ReservationService{
		repo: repo,
		pub:  pub,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// una transacción por operación; los eventos salen solo después del commit
func unitOfWork(ctx context.Context, repo *Repository, pub Publisher, op string, attrs []attribute.KeyValue, fn func(tx *gorm.DB) ([]Event, error)) error {
	ctx, span := tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	var events []Event
	err := repo.InTx(ctx, func(tx *gorm.DB) error {
		evs, err := fn(tx)
		if err != nil {
			return err
		}
		events = evs
		return nil
	})

	o := outcomeOf(err)
	reservationOps.WithLabelValues(op, o.code).Inc()
	reservationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("store.outcome", o.code))
	if err != nil && !isExpected(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err == nil {
		publishAll(ctx, pub, events)
	}
	return err
}

func logOutcome(op string, err error) *zerolog.Event {
	switch {
	case err == nil:
		return log.Info().Str("op", op)
	case isExpected(err):
		return log.Warn().Str("op", op).Str("outcome", outcomeOf(err).code).AnErr("reason", err)
	default:
		return log.Error().Str("op", op).Err(err)
	}
}

// ---- carrito ----

func (s *ReservationService) AddToCart(ctx context.Context, userID, bookID int64) (*CartLine, error) {
	var line *CartLine
	attrs := []attribute.KeyValue{attribute.Int64("user.id", userID), attribute.Int64("book.id", bookID)}
	err := unitOfWork(ctx, s.repo, s.pub, "add_to_cart", attrs, func(tx *gorm.DB) ([]Event, error) {
		if _, err := s.repo.LockUser(tx, userID); err != nil {
			return nil, err
		}
		b, err := s.repo.LockBook(tx, bookID)
		if err != nil {
			return nil, err
		}
		if err := b.Reserve(1); err != nil {
			return nil, err
		}
		if err := s.repo.SaveBook(tx, b); err != nil {
			return nil, err
		}

		l, err := s.repo.FindCartLineByBook(tx, userID, bookID)
		if err != nil {
			return nil, err
		}
		if l == nil {
			l = &CartLine{UserID: userID, BookID: bookID}
		}
		l.Quantity++
		if err := s.repo.SaveCartLine(tx, l); err != nil {
			return nil, err
		}
		l.Book = b
		line = l

		return []Event{NewEvent(RKCartBookReserved, CartBookReservedPayload{
			UserID:     userID,
			CartLineID: l.ID,
			LineQty:    l.Quantity,
			Stock:      stockOf(b),
		})}, nil
	})
	ev := logOutcome("add_to_cart", err).Int64("user", userID).Int64("book", bookID)
	if line != nil {
		ev = ev.Int64("line", line.ID).Int32("qty", line.Quantity)
	}
	ev.Msg("add to cart")
	if err != nil {
		return nil, err
	}
	return line, nil
}

// borra la línea completa y devuelve todas sus unidades
func (s *ReservationService) RemoveFromCart(ctx context.Context, userID, lineID int64) (string, error) {
	var msg string
	attrs := []attribute.KeyValue{attribute.Int64("user.id", userID), attribute.Int64("cart_line.id", lineID)}
	err := unitOfWork(ctx, s.repo, s.pub, "remove_from_cart", attrs, func(tx *gorm.DB) ([]Event, error) {
		if _, err := s.repo.LockUser(tx, userID); err != nil {
			return nil, err
		}
		l, err := s.repo.FindCartLine(tx, userID, lineID)
		if err != nil {
			return nil, err
		}
		b, err := s.repo.LockBook(tx, l.BookID)
		if err != nil {
			return nil, err
		}
		if err := b.Release(l.Quantity); err != nil {
			return nil, err
		}
		if err := s.repo.SaveBook(tx, b); err != nil {
			return nil, err
		}
		if err := s.repo.DeleteCartLine(tx, l); err != nil {
			return nil, err
		}
		msg = fmt.Sprintf("%s removed from cart", b.Title)

		return []Event{NewEvent(RKCartLineRemoved, CartLineRemovedPayload{
			UserID:     userID,
			CartLineID: l.ID,
			Released:   l.Quantity,
			Stock:      stockOf(b),
		})}, nil
	})
	logOutcome("remove_from_cart", err).Int64("user", userID).Int64("line", lineID).Msg("remove from cart")
	return msg, err
}

func (s *ReservationService) ClearCart(ctx context.Context, userID int64) (string, error) {
	var released int
	attrs := []attribute.KeyValue{attribute.Int64("user.id", userID)}
	err := unitOfWork(ctx, s.repo, s.pub, "clear_cart", attrs, func(tx *gorm.DB) ([]Event, error) {
		if _, err := s.repo.LockUser(tx, userID); err != nil {
			return nil, err
		}
		lines, err := s.repo.ListCartLines(tx, userID)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, ErrEmptyCart
		}
		books, err := s.repo.LockBooks(tx, bookIDs(lines))
		if err != nil {
			return nil, err
		}

		payload := CartClearedPayload{UserID: userID, Lines: len(lines)}
		for _, l := range sortedByBook(lines) {
			b := books[l.BookID]
			if err := b.Release(l.Quantity); err != nil {
				return nil, err
			}
			if err := s.repo.SaveBook(tx, b); err != nil {
				return nil, err
			}
			payload.Stock = append(payload.Stock, stockOf(b))
		}
		if _, err := s.repo.DeleteCart(tx, userID); err != nil {
			return nil, err
		}
		released = len(lines)
		return []Event{NewEvent(RKCartCleared, payload)}, nil
	})
	logOutcome("clear_cart", err).Int64("user", userID).Int("lines", released).Msg("clear cart")
	if err != nil {
		return "", err
	}
	return "Cart cleared", nil
}

// ---- órdenes ----

// reservado -> vendido; el disponible ya bajó en AddToCart
func (s *ReservationService) PlaceOrder(ctx context.Context, userID, addressID int64) (*Order, error) {
	var order *Order
	attrs := []attribute.KeyValue{attribute.Int64("user.id", userID), attribute.Int64("address.id", addressID)}
	err := unitOfWork(ctx, s.repo, s.pub, "place_order", attrs, func(tx *gorm.DB) ([]Event, error) {
		if _, err := s.repo.LockUser(tx, userID); err != nil {
			return nil, err
		}
		addr, err := s.repo.FindAddress(tx, userID, addressID)
		if err != nil {
			return nil, err
		}
		lines, err := s.repo.ListCartLines(tx, userID)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, ErrEmptyCart
		}
		books, err := s.repo.LockBooks(tx, bookIDs(lines))
		if err != nil {
			return nil, err
		}

		o := &Order{UserID: userID, AddressID: addr.ID, PlacedAt: s.now()}
		for _, l := range sortedByBook(lines) {
			b := books[l.BookID]
			if err := b.Sell(l.Quantity); err != nil {
				return nil, err
			}
			if err := s.repo.SaveBook(tx, b); err != nil {
				return nil, err
			}
			line := Money{Cents: b.PriceCents}.Mul(l.Quantity)
			o.Lines = append(o.Lines, OrderLine{
				BookID:    b.ID,
				Title:     b.Title,
				Quantity:  l.Quantity,
				UnitCents: b.PriceCents,
				LineCents: line.Cents,
			})
			o.Quantity += l.Quantity
			o.TotalCents += line.Cents
		}
		if err := s.repo.CreateOrder(tx, o); err != nil {
			return nil, err
		}
		if _, err := s.repo.DeleteCart(tx, userID); err != nil {
			return nil, err
		}
		o.Address = addr
		order = o
		return []Event{NewEvent(RKOrderPlaced, orderPayload(o))}, nil
	})
	ev := logOutcome("place_order", err).Int64("user", userID).Int64("address", addressID)
	if order != nil {
		ev = ev.Int64("order", order.ID).Int32("qty", order.Quantity).Stringer("total", Money{Cents: order.TotalCents})
	}
	ev.Msg("place order")
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *ReservationService) CancelOrder(ctx context.Context, userID, orderID int64) (*Order, error) {
	var order *Order
	attrs := []attribute.KeyValue{attribute.Int64("user.id", userID), attribute.Int64("order.id", orderID)}
	err := unitOfWork(ctx, s.repo, s.pub, "cancel_order", attrs, func(tx *gorm.DB) ([]Event, error) {
		if _, err := s.repo.LockUser(tx, userID); err != nil {
			return nil, err
		}
		o, err := s.repo.LockOrder(tx, userID, orderID)
		if err != nil {
			return nil, err
		}
		if o.Cancelled {
			return nil, ErrAlreadyCancelled
		}
		ids := make([]int64, 0, len(o.Lines))
		for _, l := range o.Lines {
			ids = append(ids, l.BookID)
		}
		books, err := s.repo.LockBooks(tx, ids)
		if err != nil {
			return nil, err
		}
		for _, l := range o.Lines {
			b := books[l.BookID]
			if err := b.Unsell(l.Quantity); err != nil {
				return nil, err
			}
			if err := s.repo.SaveBook(tx, b); err != nil {
				return nil, err
			}
		}
		now := s.now()
		o.Cancelled = true
		o.CancelledAt = &now
		if err := s.repo.SaveOrder(tx, o); err != nil {
			return nil, err
		}
		order = o
		return []Event{NewEvent(RKOrderCancelled, orderPayload(o))}, nil
	})
	logOutcome("cancel_order", err).Int64("user", userID).Int64("order", orderID).Msg("cancel order")
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ---- lectura (sin bloqueo) ----

type CartLineView struct {
	CartLineID int64
	BookID     int64
	Title      string
	Quantity   int32
	UnitCents  int64
	LineCents  int64
}

type CartView struct {
	UserID     int64
	Lines      []CartLineView
	Quantity   int32
	TotalCents int64
}

func (s *ReservationService) GetCart(ctx context.Context, userID int64) (*CartView, error) {
	lines, err := s.repo.ListCartLines(s.repo.Reader(ctx), userID)
	if err != nil {
		return nil, err
	}
	view := &CartView{UserID: userID, Lines: []CartLineView{}}
	var total Money
	for _, l := range lines {
		b, err := s.repo.GetBook(ctx, l.BookID)
		if err != nil {
			return nil, err
		}
		line := Money{Cents: b.PriceCents}.Mul(l.Quantity)
		view.Lines = append(view.Lines, CartLineView{
			CartLineID: l.ID,
			BookID:     l.BookID,
			Title:      b.Title,
			Quantity:   l.Quantity,
			UnitCents:  b.PriceCents,
			LineCents:  line.Cents,
		})
		view.Quantity += l.Quantity
		total = total.Add(line)
	}
	view.TotalCents = total.Cents
	return view, nil
}

func (s *ReservationService) GetOrder(ctx context.Context, userID, orderID int64) (*Order, error) {
	o, err := s.repo.FindOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Address, err = s.repo.FindAddress(s.repo.Reader(ctx), userID, o.AddressID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *ReservationService) ListOrders(ctx context.Context, userID int64) ([]Order, error) {
	return s.repo.ListOrders(ctx, userID)
}

func bookIDs(lines []CartLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.BookID)
	}
	return ids
}

func sortedByBook(lines []CartLine) []CartLine {
	out := append([]CartLine(nil), lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out
}
