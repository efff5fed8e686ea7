package main

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Inventario por libro:
// Quantity: unidades disponibles para reservar
// ReservedQuantity: unidades retenidas en carritos abiertos
// SoldQuantity: unidades vendidas en órdenes no canceladas
// Quantity + ReservedQuantity + SoldQuantity solo cambia con Restock.
type Book struct {
	ID               int64  `gorm:"primaryKey"`
	Title            string `gorm:"size:255;not null;index"`
	Author           string `gorm:"size:255;not null;index"`
	Description      string `gorm:"type:text"`
	PriceCents       int64  `gorm:"not null"`
	Quantity         int32  `gorm:"not null;default:0"`
	ReservedQuantity int32  `gorm:"not null;default:0"`
	SoldQuantity     int32  `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Stock en int64: la suma de los tres contadores puede pasar de MaxInt32.
func (b *Book) Stock() int64 {
	return int64(b.Quantity) + int64(b.ReservedQuantity) + int64(b.SoldQuantity)
}

// disponible -> carrito
func (b *Book) Reserve(n int32) error {
	if n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "reserve %d units", n)
	}
	if b.Quantity < n {
		return errors.Wrapf(ErrOutOfStock, "book %d has %d available, need %d", b.ID, b.Quantity, n)
	}
	b.Quantity -= n
	b.ReservedQuantity += n
	return nil
}

// carrito -> disponible
func (b *Book) Release(n int32) error {
	if n <= 0 || b.ReservedQuantity < n {
		return errors.Errorf("book %d: cannot release %d of %d reserved", b.ID, n, b.ReservedQuantity)
	}
	b.ReservedQuantity -= n
	b.Quantity += n
	return nil
}

// carrito -> vendido
func (b *Book) Sell(n int32) error {
	if n <= 0 || b.ReservedQuantity < n {
		return errors.Errorf("book %d: cannot sell %d of %d reserved", b.ID, n, b.ReservedQuantity)
	}
	b.ReservedQuantity -= n
	b.SoldQuantity += n
	return nil
}

// vendido -> disponible (orden cancelada)
func (b *Book) Unsell(n int32) error {
	if n <= 0 || b.SoldQuantity < n {
		return errors.Errorf("book %d: cannot unsell %d of %d sold", b.ID, n, b.SoldQuantity)
	}
	b.SoldQuantity -= n
	b.Quantity += n
	return nil
}

// Restock no deja que el total del libro pase de MaxInt32.
func (b *Book) Restock(n int32) error {
	if n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "restock %d units", n)
	}
	if b.Stock()+int64(n) > math.MaxInt32 {
		return errors.Wrapf(ErrInvalidArgument, "book %d: restock %d would exceed %d units", b.ID, n, math.MaxInt32)
	}
	b.Quantity += n
	return nil
}

type CartLine struct {
	ID        int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"not null;uniqueIndex:idx_cart_user_book"`
	BookID    int64 `gorm:"not null;uniqueIndex:idx_cart_user_book"`
	Quantity  int32 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Book *Book `gorm:"-"`
}

type Order struct {
	ID          int64 `gorm:"primaryKey"`
	UserID      int64 `gorm:"not null;index"`
	AddressID   int64 `gorm:"not null"`
	Quantity    int32 `gorm:"not null"`
	TotalCents  int64 `gorm:"not null"`
	PlacedAt    time.Time
	Cancelled   bool `gorm:"not null;default:false"`
	CancelledAt *time.Time
	Lines       []OrderLine `gorm:"foreignKey:OrderID"`

	Address *Address `gorm:"-"`
}

type OrderLine struct {
	ID        int64  `gorm:"primaryKey"`
	OrderID   int64  `gorm:"not null;index"`
	BookID    int64  `gorm:"not null"`
	Title     string `gorm:"size:255;not null"`
	Quantity  int32  `gorm:"not null"`
	UnitCents int64  `gorm:"not null"`
	LineCents int64  `gorm:"not null"`
}

type Address struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"not null;index"`
	Street    string `gorm:"size:255;not null"`
	City      string `gorm:"size:128;not null"`
	State     string `gorm:"size:128"`
	Zip       string `gorm:"size:32"`
	Country   string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

type User struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"size:128;not null"`
	Email        string `gorm:"size:255;not null;uniqueIndex"`
	PasswordHash string `gorm:"size:255;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Money struct{ Cents int64 }

func (m Money) Add(o Money) Money   { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Mul(qty int32) Money { return Money{Cents: m.Cents * int64(qty)} }

// "$1,234.50"
func (m Money) String() string {
	c := m.Cents
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%s.%02d", sign, humanize.Comma(c/100), c%100)
}
