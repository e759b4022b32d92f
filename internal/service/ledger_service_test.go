package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/lock"
)

func newLedgerServiceFixture(t *testing.T) (*LedgerService, *memLedgerRepo, *lock.RedisLock) {
	t.Helper()
	projector, _ := newTestProjector(t)
	_, client := newTestRedis(t)
	locker := lock.NewRedisLock(client)
	store := newMemLedgerRepo()
	svc := NewLedgerService(store, projector, NewInlinePublisher(projector), locker, nil)
	return svc, store, locker
}

func TestLedgerService_Create(t *testing.T) {
	svc, store, _ := newLedgerServiceFixture(t)
	ctx := context.Background()

	l, err := svc.Create(ctx, &domain.CreateLedgerRequest{
		SkuCode:     " A1 ",
		ProductName: "widget",
		WarehouseID: "WH-1",
		Quantity:    100,
		UnitPrice:   "12.345",
	})
	require.NoError(t, err)
	assert.Equal(t, "A1", l.SkuCode)
	assert.Equal(t, "12.35", l.UnitPrice.StringFixed(2))
	assert.Equal(t, domain.StatusAvailable, l.Status)
	assert.NotNil(t, store.get(l.ID))

	events, err := svc.Movements(ctx, l.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventLedgerCreated, events[0].Type)
	assert.Equal(t, 100, events[0].Available)
}

func TestLedgerService_CreateRejects(t *testing.T) {
	svc, _, _ := newLedgerServiceFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &domain.CreateLedgerRequest{SkuCode: "A1", WarehouseID: "WH-1", Quantity: 1})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     *domain.CreateLedgerRequest
		wantErr error
	}{
		{"nil request", nil, domain.ErrValidation},
		{"duplicate sku", &domain.CreateLedgerRequest{SkuCode: "A1", WarehouseID: "WH-2", Quantity: 5}, domain.ErrSKUExists},
		{"missing sku", &domain.CreateLedgerRequest{WarehouseID: "WH-1", Quantity: 5}, domain.ErrValidation},
		{"missing warehouse", &domain.CreateLedgerRequest{SkuCode: "B1", Quantity: 5}, domain.ErrValidation},
		{"negative quantity", &domain.CreateLedgerRequest{SkuCode: "B1", WarehouseID: "WH-1", Quantity: -1}, domain.ErrValidation},
		{"bad price", &domain.CreateLedgerRequest{SkuCode: "B1", WarehouseID: "WH-1", UnitPrice: "cheap"}, domain.ErrValidation},
		{"negative price", &domain.CreateLedgerRequest{SkuCode: "B1", WarehouseID: "WH-1", UnitPrice: "-1"}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLedgerService_CreateZeroQuantityIsSoldOut(t *testing.T) {
	svc, _, _ := newLedgerServiceFixture(t)
	ctx := context.Background()

	l, err := svc.Create(ctx, &domain.CreateLedgerRequest{SkuCode: "Z1", WarehouseID: "WH-9"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSoldOut, l.Status)

	skus, err := svc.SoldOut(ctx, "WH-9")
	require.NoError(t, err)
	assert.Equal(t, []string{"Z1"}, skus)

	avail, err := svc.Available(ctx, "WH-9")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Z1": 0}, avail)

	empty, err := svc.Available(ctx, "WH-unknown")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = svc.Available(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedgerService_Get(t *testing.T) {
	svc, store, _ := newLedgerServiceFixture(t)
	ctx := context.Background()
	seed := newTestLedger(t, "A1", 5)
	require.NoError(t, store.Create(ctx, seed))

	l, err := svc.Get(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, seed.SkuCode, l.SkuCode)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Get(ctx, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedgerService_ListAndSearch(t *testing.T) {
	svc, store, _ := newLedgerServiceFixture(t)
	ctx := context.Background()
	for _, sku := range []string{"A1", "A2", "B1"} {
		require.NoError(t, store.Create(ctx, newTestLedger(t, sku, 5)))
	}

	page, err := svc.ListByWarehouse(ctx, "WH-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, defaultPageSize, page.PageSize)

	page, err = svc.ListByWarehouse(ctx, "WH-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "B1", page.Items[0].SkuCode)

	page, err = svc.Search(ctx, "A", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, page.PageSize)
	assert.Equal(t, int64(2), page.Total)

	page, err = svc.ListByWarehouse(ctx, "WH-404", 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	_, err = svc.Search(ctx, "  ", 1, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.List(ctx, &domain.LedgerListRequest{Status: "GONE"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedgerService_LockAdmin(t *testing.T) {
	svc, _, locker := newLedgerServiceFixture(t)
	ctx := context.Background()

	st, err := svc.LockStatus(ctx, "inv-1")
	require.NoError(t, err)
	assert.False(t, st.Held)

	ok, err := locker.TryAcquire(ctx, LedgerLockKey("inv-1"), "stuck-holder", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	st, err = svc.LockStatus(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, st.Held)
	assert.Greater(t, st.TTLMillis, int64(0))

	require.NoError(t, svc.ForceUnlock(ctx, "inv-1"))
	st, err = svc.LockStatus(ctx, "inv-1")
	require.NoError(t, err)
	assert.False(t, st.Held)

	_, err = svc.LockStatus(ctx, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedgerService_ReadModelUnavailable(t *testing.T) {
	projector, mr := newTestProjector(t)
	svc := NewLedgerService(newMemLedgerRepo(), projector, nil, nil, nil)
	mr.Close()

	_, err := svc.Movements(context.Background(), "inv-1", 5)
	assert.ErrorIs(t, err, domain.ErrInfrastructure)

	_, err = svc.SoldOut(context.Background(), "WH-1")
	assert.True(t, errors.Is(err, domain.ErrInfrastructure))

	_, err = svc.Available(context.Background(), "WH-1")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
}
