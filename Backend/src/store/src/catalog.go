package main

import (
	"context"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type CatalogService struct {
	repo *Repository
	pub  Publisher
}

func NewCatalogService(repo *Repository, pub Publisher) *CatalogService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &CatalogService{repo: repo, pub: pub}
}

type BookPage struct {
	Books      []Book
	Page       int
	PageSize   int
	TotalItems int64
	TotalPages int
}

func (s *CatalogService) ListBooks(ctx context.Context, q string, page, size int) (*BookPage, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	total, err := s.repo.CountBooks(ctx, q)
	if err != nil {
		return nil, err
	}
	books, err := s.repo.ListBooks(ctx, q, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	return &BookPage{
		Books:      books,
		Page:       page,
		PageSize:   size,
		TotalItems: total,
		TotalPages: int(math.Ceil(float64(total) / float64(size))),
	}, nil
}

func (s *CatalogService) GetBook(ctx context.Context, id int64) (*Book, error) {
	return s.repo.GetBook(ctx, id)
}

type NewBook struct {
	Title       string
	Author      string
	Description string
	PriceCents  int64
	Quantity    int32
}

func (s *CatalogService) CreateBook(ctx context.Context, in NewBook) (*Book, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	switch {
	case in.Title == "" || in.Author == "":
		return nil, errors.WithMessage(ErrInvalidArgument, "title and author are required")
	case in.PriceCents < 0:
		return nil, errors.WithMessage(ErrInvalidArgument, "price must be >= 0")
	case in.Quantity < 0:
		return nil, errors.WithMessage(ErrInvalidArgument, "quantity must be >= 0")
	}
	b := &Book{
		Title:       in.Title,
		Author:      in.Author,
		Description: in.Description,
		PriceCents:  in.PriceCents,
		Quantity:    in.Quantity,
	}
	if err := s.repo.CreateBook(ctx, b); err != nil {
		return nil, err
	}
	log.Info().Int64("book", b.ID).Str("title", b.Title).Int32("qty", b.Quantity).Msg("book created")
	return b, nil
}

// bajo el bloqueo de la fila del libro
func (s *CatalogService) Restock(ctx context.Context, bookID int64, n int32) (*Book, error) {
	var book *Book
	attrs := []attribute.KeyValue{attribute.Int64("book.id", bookID), attribute.Int("restock.qty", int(n))}
	err := unitOfWork(ctx, s.repo, s.pub, "restock", attrs, func(tx *gorm.DB) ([]Event, error) {
		b, err := s.repo.LockBook(tx, bookID)
		if err != nil {
			return nil, err
		}
		if err := b.Restock(n); err != nil {
			return nil, err
		}
		if err := s.repo.SaveBook(tx, b); err != nil {
			return nil, err
		}
		book = b
		return []Event{NewEvent(RKInventoryRestocked, RestockedPayload{Added: n, Stock: stockOf(b)})}, nil
	})
	logOutcome("restock", err).Int64("book", bookID).Int32("added", n).Msg("restock")
	if err != nil {
		return nil, err
	}
	return book, nil
}
