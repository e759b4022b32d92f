package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/MorseWayne/stock_reserve/internal/cache"
	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/repo"
)

// memLedgerRepo 内存台账仓储，同时满足 LedgerStore 与 repo.LedgerRepository
type memLedgerRepo struct {
	mu      sync.Mutex
	ledgers map[string]*domain.StockLedger

	loadErr   error
	saveErr   error
	loadDelay time.Duration
	saves     int
}

var (
	_ LedgerStore           = (*memLedgerRepo)(nil)
	_ repo.LedgerRepository = (*memLedgerRepo)(nil)
)

func newMemLedgerRepo(ledgers ...*domain.StockLedger) *memLedgerRepo {
	m := &memLedgerRepo{ledgers: make(map[string]*domain.StockLedger)}
	for _, l := range ledgers {
		m.ledgers[l.ID] = l.Clone()
	}
	return m
}

func (m *memLedgerRepo) Create(_ context.Context, l *domain.StockLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ledgers {
		if existing.SkuCode == l.SkuCode {
			return domain.ErrSKUExists
		}
	}
	m.ledgers[l.ID] = l.Clone()
	return nil
}

func (m *memLedgerRepo) GetByID(_ context.Context, id string) (*domain.StockLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[id]
	if !ok {
		return nil, nil
	}
	return l.Clone(), nil
}

func (m *memLedgerRepo) GetBySKU(_ context.Context, sku string) (*domain.StockLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.ledgers {
		if l.SkuCode == sku {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memLedgerRepo) ExistsBySKU(ctx context.Context, sku string) (bool, error) {
	l, err := m.GetBySKU(ctx, sku)
	return l != nil, err
}

func (m *memLedgerRepo) Load(ctx context.Context, id string) (*domain.StockLedger, error) {
	if m.loadDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.loadDelay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	l, ok := m.ledgers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l.Clone(), nil
}

func (m *memLedgerRepo) Save(_ context.Context, l *domain.StockLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	current, ok := m.ledgers[l.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != l.Version {
		return repo.ErrVersionConflict
	}
	l.Version++
	m.ledgers[l.ID] = l.Clone()
	m.saves++
	return nil
}

func (m *memLedgerRepo) List(_ context.Context, req *domain.LedgerListRequest) ([]*domain.StockLedger, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*domain.StockLedger
	for _, l := range m.ledgers {
		if req.WarehouseID != "" && l.WarehouseID != req.WarehouseID {
			continue
		}
		if req.Keyword != "" && !strings.Contains(l.SkuCode, req.Keyword) && !strings.Contains(l.Name, req.Keyword) {
			continue
		}
		if req.Status != "" && l.Status != req.Status {
			continue
		}
		matched = append(matched, l.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].SkuCode < matched[j].SkuCode })

	total := int64(len(matched))
	start := (req.Page - 1) * req.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := min(start+req.PageSize, len(matched))
	return matched[start:end], total, nil
}

func (m *memLedgerRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledgers, id)
	return nil
}

func (m *memLedgerRepo) get(id string) *domain.StockLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgers[id].Clone()
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestLedger(t *testing.T, sku string, qty int) *domain.StockLedger {
	t.Helper()
	l, err := domain.NewStockLedger(sku, "widget "+sku, "WH-1", qty, decimal.RequireFromString("9.90"))
	require.NoError(t, err)
	return l
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestProjector(t *testing.T) (*LedgerProjector, *miniredis.Miniredis) {
	t.Helper()
	mr, client := newTestRedis(t)
	return NewLedgerProjector(cache.NewRedisCache(client), nil, nil), mr
}
