package main

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService_RegisterLoginLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.users.Register(ctx, "Ana", " Ana@Example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.NotEqual(t, "secret1", u.PasswordHash)
	assert.Contains(t, env.pub.Types(), RKUserCreated)

	_, err = env.users.Register(ctx, "Ana again", "ana@example.com", "secret2")
	assert.True(t, errors.Is(err, ErrEmailTaken))

	_, _, err = env.users.Login(ctx, "ana@example.com", "wrong-pass")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	_, _, err = env.users.Login(ctx, "nobody@example.com", "secret1")
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	token, logged, err := env.users.Login(ctx, "ANA@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)
	assert.NotEmpty(t, token)

	sess, err := env.users.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, sess.UserID)
	assert.Equal(t, u.Email, sess.Email)

	require.NoError(t, env.users.Logout(ctx, token))
	_, err = env.users.Authenticate(ctx, token)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	_, err = env.users.Authenticate(ctx, "")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestUserService_RegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, c := range []struct{ name, email, password string }{
		{"", "a@b.co", "secret1"},
		{"A", "", "secret1"},
		{"A", "not-an-email", "secret1"},
		{"A", "a@b.co", "short"},
	} {
		_, err := env.users.Register(ctx, c.name, c.email, c.password)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "%+v", c)
	}
}

func TestUserService_ProfileAndAddresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)

	updated, err := env.users.UpdateName(ctx, u.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	_, err = env.users.UpdateName(ctx, 9999, "Ghost")
	assert.True(t, errors.Is(err, ErrUserNotFound))

	_, err = env.users.AddAddress(ctx, u.ID, NewAddress{City: "Cali"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	a, err := env.users.AddAddress(ctx, u.ID, NewAddress{Street: "Cra 7", City: "Bogotá", Country: "CO"})
	require.NoError(t, err)
	list, err := env.users.ListAddresses(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	others, err := env.users.ListAddresses(ctx, env.user(t).ID)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestLRUSessions_Expire(t *testing.T) {
	s := newLRUSessions(10, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "tok", Session{UserID: 7}))

	got, err := s.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "tok")
		return errors.Is(err, ErrUnauthenticated)
	}, time.Second, 10*time.Millisecond)
}
