package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type NewAddress struct {
	Street  string
	City    string
	State   string
	Zip     string
	Country string
}

func (s *UserService) AddAddress(ctx context.Context, userID int64, in NewAddress) (*Address, error) {
	a := &Address{
		UserID:  userID,
		Street:  strings.TrimSpace(in.Street),
		City:    strings.TrimSpace(in.City),
		State:   strings.TrimSpace(in.State),
		Zip:     strings.TrimSpace(in.Zip),
		Country: strings.TrimSpace(in.Country),
	}
	if a.Street == "" || a.City == "" || a.Country == "" {
		return nil, errors.WithMessage(ErrInvalidArgument, "street, city and country are required")
	}
	if err := s.repo.CreateAddress(ctx, a); err != nil {
		return nil, err
	}
	log.Info().Int64("user", userID).Int64("address", a.ID).Msg("address added")
	return a, nil
}

func (s *UserService) ListAddresses(ctx context.Context, userID int64) ([]Address, error) {
	return s.repo.ListAddresses(ctx, userID)
}
