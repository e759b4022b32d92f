package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MorseWayne/stock_reserve/internal/domain"
)

var columns = []string{"id", "sku_code", "name", "warehouse_id", "quantity", "reserved_quantity", "unit_price", "status", "version", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (LedgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewLedgerRepository(db), mock
}

func sampleLedger(t *testing.T) *domain.StockLedger {
	t.Helper()
	l, err := domain.NewStockLedger("A1", "widget", "WH-1", 100, decimal.RequireFromString("9.90"))
	require.NoError(t, err)
	return l
}

func TestLedgerRepo_Create(t *testing.T) {
	r, mock := newMockRepo(t)
	l := sampleLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_ledger")).
		WithArgs(l.ID, "A1", "widget", "WH-1", 100, 0, sqlmock.AnyArg(), "AVAILABLE", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Create(context.Background(), l))
}

func TestLedgerRepo_CreateDuplicateSKU(t *testing.T) {
	r, mock := newMockRepo(t)
	l := sampleLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_ledger")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'A1' for key 'uk_stock_ledger_sku'"})

	err := r.Create(context.Background(), l)
	assert.ErrorIs(t, err, domain.ErrSKUExists)
}

func TestLedgerRepo_GetByID(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM stock_ledger WHERE id = ?")).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("id-1", "A1", "widget", "WH-1", 100, 30, "9.90", "RESERVED", 4, now, now))

	l, err := r.GetByID(context.Background(), "id-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 70, l.Available())
	assert.Equal(t, domain.StatusReserved, l.Status)
	assert.Equal(t, int64(4), l.Version)
	assert.True(t, l.UnitPrice.Equal(decimal.RequireFromString("9.9")))
}

func TestLedgerRepo_GetByIDAndLoadMissing(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stock_ledger WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stock_ledger WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	l, err := r.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = r.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerRepo_LoadQueryError(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stock_ledger WHERE id = ?")).
		WillReturnError(errors.New("connection reset"))

	_, err := r.Load(context.Background(), "id-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestLedgerRepo_Save(t *testing.T) {
	tests := []struct {
		name        string
		affected    int64
		wantErr     error
		wantVersion int64
	}{
		{name: "version matches", affected: 1, wantVersion: 3},
		{name: "version conflict", affected: 0, wantErr: ErrVersionConflict, wantVersion: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock := newMockRepo(t)
			l := sampleLedger(t)
			l.Version = 2
			_, err := l.Reserve(10)
			require.NoError(t, err)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE stock_ledger")).
				WithArgs(100, 10, "RESERVED", sqlmock.AnyArg(), l.ID, int64(2)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err = r.Save(context.Background(), l)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantVersion, l.Version)
		})
	}
}

func TestLedgerRepo_List(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM stock_ledger WHERE warehouse_id = ? AND (sku_code LIKE ? OR name LIKE ?)")).
		WithArgs("WH-1", `%50\%%`, `%50\%%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT ? OFFSET ?")).
		WithArgs("WH-1", `%50\%%`, `%50\%%`, 2, 2).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("id-3", "A3", "50% off", "WH-1", 0, 0, "1.00", "SOLD_OUT", 1, now, now))

	items, total, err := r.List(context.Background(), &domain.LedgerListRequest{
		WarehouseID: "WH-1",
		Keyword:     "50%",
		Page:        2,
		PageSize:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusSoldOut, items[0].Status)
}

func TestLedgerRepo_ExistsBySKU(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("A1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := r.ExistsBySKU(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, ok)
}
