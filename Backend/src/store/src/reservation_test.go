package main

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToCart_ReservesOneUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	b := env.book(t, 5, 1500)

	l1, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, l1.BookID)
	assert.Equal(t, int32(1), l1.Quantity)

	l2, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, l1.ID, l2.ID, "second add reuses the line")
	assert.Equal(t, int32(2), l2.Quantity)

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(3), got.Quantity)
	assert.Equal(t, int32(2), got.ReservedQuantity)
	assert.Len(t, env.cartLines(t, u.ID), 1)
	assert.Equal(t, []string{RKCartBookReserved, RKCartBookReserved}, env.pub.Types())
}

func TestAddToCart_OutOfStock(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t)
	b := env.book(t, 0, 1500)

	_, err := env.res.AddToCart(context.Background(), u.ID, b.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfStock))

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(0), got.Quantity)
	assert.Equal(t, int32(0), got.ReservedQuantity)
	assert.Empty(t, env.cartLines(t, u.ID))
	assert.Empty(t, env.pub.Types())
}

func TestAddToCart_UnknownBook(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t)

	_, err := env.res.AddToCart(context.Background(), u.ID, 9999)
	assert.True(t, errors.Is(err, ErrBookNotFound))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAddToCart_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	b := env.book(t, 3, 1500)

	_, err := env.res.AddToCart(context.Background(), 4242, b.ID)
	assert.True(t, errors.Is(err, ErrUserNotFound))
	assert.Equal(t, int32(3), env.reload(t, b.ID).Quantity)
}

func TestAddToCart_TwoUsersDrainStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.book(t, 2, 1000)

	_, err := env.res.AddToCart(ctx, env.user(t).ID, b.ID)
	require.NoError(t, err)
	_, err = env.res.AddToCart(ctx, env.user(t).ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), env.reload(t, b.ID).Quantity)

	_, err = env.res.AddToCart(ctx, env.user(t).ID, b.ID)
	assert.True(t, errors.Is(err, ErrOutOfStock))

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(0), got.Quantity)
	assert.Equal(t, int32(2), got.ReservedQuantity)
}

func TestRemoveFromCart_RestoresWholeLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	b := env.book(t, 5, 1000)

	l, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(4), env.reload(t, b.ID).Quantity)
	_, err = env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)

	msg, err := env.res.RemoveFromCart(ctx, u.ID, l.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Title+" removed from cart", msg)

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(5), got.Quantity)
	assert.Equal(t, int32(0), got.ReservedQuantity)
	assert.Empty(t, env.cartLines(t, u.ID))

	_, err = env.res.RemoveFromCart(ctx, u.ID, l.ID)
	assert.True(t, errors.Is(err, ErrCartLineNotFound))
	assert.Equal(t, int32(5), env.reload(t, b.ID).Quantity)
}

func TestRemoveFromCart_OtherUsersLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, other := env.user(t), env.user(t)
	b := env.book(t, 5, 1000)

	l, err := env.res.AddToCart(ctx, owner.ID, b.ID)
	require.NoError(t, err)

	_, err = env.res.RemoveFromCart(ctx, other.ID, l.ID)
	assert.True(t, errors.Is(err, ErrCartLineNotFound))
	assert.Len(t, env.cartLines(t, owner.ID), 1)
	assert.Equal(t, int32(4), env.reload(t, b.ID).Quantity)
}

func TestClearCart_Empty(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t)
	b := env.book(t, 5, 1000)

	_, err := env.res.ClearCart(context.Background(), u.ID)
	assert.True(t, errors.Is(err, ErrEmptyCart))

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(5), got.Quantity)
	assert.Equal(t, int32(0), got.ReservedQuantity)
	assert.Empty(t, env.pub.Types())
}

func TestClearCart_ReleasesEveryLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	b1, b2 := env.book(t, 3, 1000), env.book(t, 4, 2000)

	for _, id := range []int64{b2.ID, b1.ID, b2.ID} {
		_, err := env.res.AddToCart(ctx, u.ID, id)
		require.NoError(t, err)
	}

	msg, err := env.res.ClearCart(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cart cleared", msg)
	assert.Empty(t, env.cartLines(t, u.ID))

	for _, want := range []*Book{b1, b2} {
		got := env.reload(t, want.ID)
		assert.Equal(t, want.Quantity, got.Quantity)
		assert.Equal(t, int32(0), got.ReservedQuantity)
	}
	assert.Contains(t, env.pub.Types(), RKCartCleared)
}

func TestCartOperations_ConserveStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.book(t, 6, 1000)
	users := []*User{env.user(t), env.user(t), env.user(t)}
	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 60; i++ {
		u := users[rnd.Intn(len(users))]
		switch rnd.Intn(3) {
		case 0:
			_, err := env.res.AddToCart(ctx, u.ID, b.ID)
			if err != nil {
				require.True(t, errors.Is(err, ErrOutOfStock), "unexpected %v", err)
			}
		case 1:
			if lines := env.cartLines(t, u.ID); len(lines) > 0 {
				_, err := env.res.RemoveFromCart(ctx, u.ID, lines[0].ID)
				require.NoError(t, err)
			}
		case 2:
			_, err := env.res.ClearCart(ctx, u.ID)
			if err != nil {
				require.True(t, errors.Is(err, ErrEmptyCart), "unexpected %v", err)
			}
		}

		got := env.reload(t, b.ID)
		require.GreaterOrEqual(t, got.Quantity, int32(0))
		require.GreaterOrEqual(t, got.ReservedQuantity, int32(0))
		require.Equal(t, int32(6), got.Quantity+got.ReservedQuantity, "step %d", i)

		var held int32
		for _, u := range users {
			for _, l := range env.cartLines(t, u.ID) {
				held += l.Quantity
			}
		}
		require.Equal(t, got.ReservedQuantity, held, "step %d", i)
	}
}

func TestPlaceOrder_SellsReservedStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	addr := env.address(t, u.ID)
	b1, b2 := env.book(t, 5, 1250), env.book(t, 2, 4000)

	for _, id := range []int64{b1.ID, b1.ID, b2.ID} {
		_, err := env.res.AddToCart(ctx, u.ID, id)
		require.NoError(t, err)
	}

	o, err := env.res.PlaceOrder(ctx, u.ID, addr.ID)
	require.NoError(t, err)
	require.Len(t, o.Lines, 2)
	assert.Equal(t, int32(3), o.Quantity)
	assert.Equal(t, int64(2*1250+4000), o.TotalCents)
	assert.False(t, o.Cancelled)
	require.NotNil(t, o.Address)
	assert.Equal(t, addr.ID, o.Address.ID)
	assert.Equal(t, b1.Title, o.Lines[0].Title)
	assert.Equal(t, int64(2500), o.Lines[0].LineCents)

	assert.Empty(t, env.cartLines(t, u.ID))

	got1, got2 := env.reload(t, b1.ID), env.reload(t, b2.ID)
	assert.Equal(t, int32(3), got1.Quantity, "available stock is not restored")
	assert.Equal(t, int32(0), got1.ReservedQuantity)
	assert.Equal(t, int32(2), got1.SoldQuantity)
	assert.Equal(t, int32(1), got2.Quantity)
	assert.Equal(t, int32(1), got2.SoldQuantity)

	stored, err := env.res.GetOrder(ctx, u.ID, o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Lines, 2)
	assert.Equal(t, addr.City, stored.Address.City)
	assert.Contains(t, env.pub.Types(), RKOrderPlaced)
}

func TestPlaceOrder_ForeignAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u, other := env.user(t), env.user(t)
	foreign := env.address(t, other.ID)
	b := env.book(t, 5, 1000)

	_, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)

	_, err = env.res.PlaceOrder(ctx, u.ID, foreign.ID)
	assert.True(t, errors.Is(err, ErrAddressNotFound))

	orders, err := env.res.ListOrders(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Len(t, env.cartLines(t, u.ID), 1)
	got := env.reload(t, b.ID)
	assert.Equal(t, int32(4), got.Quantity)
	assert.Equal(t, int32(1), got.ReservedQuantity)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t)
	addr := env.address(t, u.ID)

	_, err := env.res.PlaceOrder(context.Background(), u.ID, addr.ID)
	assert.True(t, errors.Is(err, ErrEmptyCart))
}

func TestCancelOrder_RestoresStockOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	addr := env.address(t, u.ID)
	b := env.book(t, 4, 1000)

	for i := 0; i < 3; i++ {
		_, err := env.res.AddToCart(ctx, u.ID, b.ID)
		require.NoError(t, err)
	}
	o, err := env.res.PlaceOrder(ctx, u.ID, addr.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.reload(t, b.ID).Quantity)

	cancelled, err := env.res.CancelOrder(ctx, u.ID, o.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	assert.NotNil(t, cancelled.CancelledAt)

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(4), got.Quantity)
	assert.Equal(t, int32(0), got.SoldQuantity)

	_, err = env.res.CancelOrder(ctx, u.ID, o.ID)
	assert.True(t, errors.Is(err, ErrAlreadyCancelled))
	assert.Equal(t, int32(4), env.reload(t, b.ID).Quantity, "stock restored exactly once")

	stored, err := env.res.GetOrder(ctx, u.ID, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
}

func TestCancelOrder_OtherUsersOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, other := env.user(t), env.user(t)
	addr := env.address(t, owner.ID)
	b := env.book(t, 2, 1000)

	_, err := env.res.AddToCart(ctx, owner.ID, b.ID)
	require.NoError(t, err)
	o, err := env.res.PlaceOrder(ctx, owner.ID, addr.ID)
	require.NoError(t, err)

	_, err = env.res.CancelOrder(ctx, other.ID, o.ID)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
	assert.Equal(t, int32(1), env.reload(t, b.ID).Quantity)
}

func TestAddToCart_ConcurrentLastCopy(t *testing.T) {
	env := newTestEnv(t)
	b := env.book(t, 1, 1000)
	u1, u2 := env.user(t), env.user(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []*User{u1, u2} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = env.res.AddToCart(context.Background(), userID, b.ID)
		}(i, u.ID)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)

	got := env.reload(t, b.ID)
	assert.Equal(t, int32(0), got.Quantity)
	assert.Equal(t, int32(1), got.ReservedQuantity)
}

func TestAddToCart_ConcurrentUsersNeverOversell(t *testing.T) {
	const stock, buyers = 5, 20
	env := newTestEnv(t)
	b := env.book(t, stock, 1000)
	users := make([]*User, buyers)
	for i := range users {
		users[i] = env.user(t)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, u := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := env.res.AddToCart(context.Background(), userID, b.ID)
			if err != nil {
				assert.True(t, errors.Is(err, ErrOutOfStock), "unexpected %v", err)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}(u.ID)
	}
	wg.Wait()

	assert.Equal(t, stock, successes)
	got := env.reload(t, b.ID)
	assert.Equal(t, int32(0), got.Quantity)
	assert.Equal(t, int32(stock), got.ReservedQuantity)
}

func TestCartOperations_ConcurrentRemoveAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	b := env.book(t, 5, 1000)

	l, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)
	_, err = env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var removeErr, clearErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, removeErr = env.res.RemoveFromCart(ctx, u.ID, l.ID)
	}()
	go func() {
		defer wg.Done()
		_, clearErr = env.res.ClearCart(ctx, u.ID)
	}()
	wg.Wait()

	if removeErr == nil {
		assert.True(t, errors.Is(clearErr, ErrEmptyCart))
	} else {
		assert.True(t, errors.Is(removeErr, ErrCartLineNotFound))
		assert.NoError(t, clearErr)
	}
	got := env.reload(t, b.ID)
	assert.Equal(t, int32(5), got.Quantity, "released exactly once")
	assert.Equal(t, int32(0), got.ReservedQuantity)
}

func TestCancelOrder_ConcurrentCancelsRestoreOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	addr := env.address(t, u.ID)
	b := env.book(t, 3, 1000)

	_, err := env.res.AddToCart(ctx, u.ID, b.ID)
	require.NoError(t, err)
	o, err := env.res.PlaceOrder(ctx, u.ID, addr.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.res.CancelOrder(ctx, u.ID, o.ID)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyCancelled), "unexpected %v", err)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int32(3), env.reload(t, b.ID).Quantity)
}

func TestReservation_PublishFailureKeepsCommit(t *testing.T) {
	env := newTestEnv(t)
	env.pub.fail = errors.New("broker down")
	u := env.user(t)
	b := env.book(t, 2, 1000)

	l, err := env.res.AddToCart(context.Background(), u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), l.Quantity)
	assert.Equal(t, int32(1), env.reload(t, b.ID).Quantity)
	assert.Equal(t, []string{RKCartBookReserved}, env.pub.Types())
}

func TestGetCart_Totals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.user(t)
	b1, b2 := env.book(t, 5, 1999), env.book(t, 5, 500)

	for _, id := range []int64{b1.ID, b2.ID, b1.ID} {
		_, err := env.res.AddToCart(ctx, u.ID, id)
		require.NoError(t, err)
	}

	c, err := env.res.GetCart(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, c.Lines, 2)
	assert.Equal(t, int32(3), c.Quantity)
	assert.Equal(t, int64(2*1999+500), c.TotalCents)
	assert.Equal(t, int64(3998), c.Lines[0].LineCents)

	empty, err := env.res.GetCart(ctx, env.user(t).ID)
	require.NoError(t, err)
	assert.Empty(t, empty.Lines)
	assert.Zero(t, empty.TotalCents)
}
