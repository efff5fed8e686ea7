package main

import (
	"net/http"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

var (
	ErrBookNotFound     = errors.WithMessage(ErrNotFound, "book")
	ErrCartLineNotFound = errors.WithMessage(ErrNotFound, "cart line")
	ErrOrderNotFound    = errors.WithMessage(ErrNotFound, "order")
	ErrAddressNotFound  = errors.WithMessage(ErrNotFound, "address")
	ErrUserNotFound     = errors.WithMessage(ErrNotFound, "user")

	ErrOutOfStock       = errors.New("out of stock")
	ErrEmptyCart        = errors.New("cart is empty")
	ErrAlreadyCancelled = errors.New("order already cancelled")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrEmailTaken      = errors.New("email already registered")
)

// outcome es el código estable que ve el cliente; también etiqueta las métricas.
type outcome struct {
	code   string
	status int
}

// El orden importa: los NotFound específicos antes que ErrNotFound.
var outcomes = []struct {
	err error
	outcome
}{
	{ErrBookNotFound, outcome{"BOOK_NOT_FOUND", http.StatusNotFound}},
	{ErrCartLineNotFound, outcome{"CART_LINE_NOT_FOUND", http.StatusNotFound}},
	{ErrOrderNotFound, outcome{"ORDER_NOT_FOUND", http.StatusNotFound}},
	{ErrAddressNotFound, outcome{"ADDRESS_NOT_FOUND", http.StatusNotFound}},
	{ErrUserNotFound, outcome{"USER_NOT_FOUND", http.StatusNotFound}},
	{ErrNotFound, outcome{"NOT_FOUND", http.StatusNotFound}},
	{ErrOutOfStock, outcome{"OUT_OF_STOCK", http.StatusConflict}},
	{ErrEmptyCart, outcome{"EMPTY_CART", http.StatusUnprocessableEntity}},
	{ErrAlreadyCancelled, outcome{"ALREADY_CANCELLED", http.StatusBadRequest}},
	{ErrInvalidArgument, outcome{"INVALID_ARGUMENT", http.StatusBadRequest}},
	{ErrUnauthenticated, outcome{"UNAUTHENTICATED", http.StatusUnauthorized}},
	{ErrForbidden, outcome{"FORBIDDEN", http.StatusForbidden}},
	{ErrEmailTaken, outcome{"EMAIL_TAKEN", http.StatusConflict}},
}

func outcomeOf(err error) outcome {
	if err == nil {
		return outcome{"OK", http.StatusOK}
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.outcome
		}
	}
	return outcome{"INTERNAL", http.StatusInternalServerError}
}

// resultado de negocio, no falla de infraestructura
func isExpected(err error) bool {
	return err != nil && outcomeOf(err).status != http.StatusInternalServerError
}
