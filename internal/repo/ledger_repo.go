// Package repo 实现库存台账数据访问层，负责与数据库的交互。
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/MorseWayne/stock_reserve/internal/domain"
)

// mysqlDuplicateEntry MySQL 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// ErrVersionConflict 乐观锁版本不匹配或记录已被删除
var ErrVersionConflict = errors.New("ledger version conflict")

// LedgerRepository 定义台账数据访问接口
type LedgerRepository interface {
	Create(ctx context.Context, l *domain.StockLedger) error
	// GetByID 不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*domain.StockLedger, error)
	GetBySKU(ctx context.Context, sku string) (*domain.StockLedger, error)
	ExistsBySKU(ctx context.Context, sku string) (bool, error)
	// Load 不存在时返回 domain.ErrNotFound，供预留引擎在锁内读取最新状态
	Load(ctx context.Context, id string) (*domain.StockLedger, error)
	// Save 按版本号更新数量与状态，版本不匹配返回 ErrVersionConflict
	Save(ctx context.Context, l *domain.StockLedger) error
	List(ctx context.Context, req *domain.LedgerListRequest) ([]*domain.StockLedger, int64, error)
	Delete(ctx context.Context, id string) error
}

const ledgerColumns = `id, sku_code, name, warehouse_id, quantity, reserved_quantity, unit_price, status, version, created_at, updated_at`

// ledgerRepo 实现 LedgerRepository 接口
type ledgerRepo struct {
	db *sql.DB
}

// NewLedgerRepository 创建台账仓储实例
func NewLedgerRepository(db *sql.DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedger(s rowScanner) (*domain.StockLedger, error) {
	l := &domain.StockLedger{}
	var status string
	err := s.Scan(
		&l.ID,
		&l.SkuCode,
		&l.Name,
		&l.WarehouseID,
		&l.Quantity,
		&l.ReservedQuantity,
		&l.UnitPrice,
		&status,
		&l.Version,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = domain.Status(status)
	return l, nil
}

// Create 创建台账，SKU 冲突返回 domain.ErrSKUExists
func (r *ledgerRepo) Create(ctx context.Context, l *domain.StockLedger) error {
	query := `
		INSERT INTO stock_ledger (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		l.ID,
		l.SkuCode,
		l.Name,
		l.WarehouseID,
		l.Quantity,
		l.ReservedQuantity,
		l.UnitPrice,
		string(l.Status),
		l.Version,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: %s", domain.ErrSKUExists, l.SkuCode)
		}
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	return nil
}

// GetByID 根据ID获取台账
func (r *ledgerRepo) GetByID(ctx context.Context, id string) (*domain.StockLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger WHERE id = ?`

	l, err := scanLedger(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger by id: %w", err)
	}
	return l, nil
}

// GetBySKU 根据SKU获取台账
func (r *ledgerRepo) GetBySKU(ctx context.Context, sku string) (*domain.StockLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger WHERE sku_code = ?`

	l, err := scanLedger(r.db.QueryRowContext(ctx, query, sku))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger by sku: %w", err)
	}
	return l, nil
}

// ExistsBySKU 判断SKU是否已存在
func (r *ledgerRepo) ExistsBySKU(ctx context.Context, sku string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM stock_ledger WHERE sku_code = ?)`, sku).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sku existence: %w", err)
	}
	return exists, nil
}

// Load 读取台账，不存在时返回 domain.ErrNotFound
func (r *ledgerRepo) Load(ctx context.Context, id string) (*domain.StockLedger, error) {
	l, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return l, nil
}

// Save 使用乐观锁更新台账，成功后版本号加一
func (r *ledgerRepo) Save(ctx context.Context, l *domain.StockLedger) error {
	query := `
		UPDATE stock_ledger
		SET quantity = ?, reserved_quantity = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		l.Quantity,
		l.ReservedQuantity,
		string(l.Status),
		l.UpdatedAt,
		l.ID,
		l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id=%s version=%d", ErrVersionConflict, l.ID, l.Version)
	}

	l.Version++
	return nil
}

// List 按仓库、关键字、状态过滤并分页
func (r *ledgerRepo) List(ctx context.Context, req *domain.LedgerListRequest) ([]*domain.StockLedger, int64, error) {
	where, args := buildListWhereClause(req)

	var total int64
	countQuery := "SELECT COUNT(*) FROM stock_ledger" + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledgers: %w", err)
	}

	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger` + where + ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, req.PageSize, (req.Page-1)*req.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query ledgers: %w", err)
	}
	defer rows.Close()

	ledgers := make([]*domain.StockLedger, 0, req.PageSize)
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ledger: %w", err)
		}
		ledgers = append(ledgers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate ledgers: %w", err)
	}

	return ledgers, total, nil
}

// Delete 删除台账
func (r *ledgerRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ledger: %w", err)
	}
	return nil
}

// buildListWhereClause 构建列表查询的 WHERE 子句
func buildListWhereClause(req *domain.LedgerListRequest) (string, []any) {
	var conditions []string
	var args []any

	if req.WarehouseID != "" {
		conditions = append(conditions, "warehouse_id = ?")
		args = append(args, req.WarehouseID)
	}
	if kw := strings.TrimSpace(req.Keyword); kw != "" {
		like := "%" + escapeLike(kw) + "%"
		conditions = append(conditions, "(sku_code LIKE ? OR name LIKE ?)")
		args = append(args, like, like)
	}
	if req.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(req.Status))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
