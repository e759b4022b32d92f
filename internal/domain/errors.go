package domain

import "errors"

// 领域错误分类，调用方通过 errors.Is 判断
var (
	// ErrValidation 输入不合法，不应重试
	ErrValidation = errors.New("validation error")
	// ErrNotFound 台账不存在
	ErrNotFound = errors.New("ledger not found")
	// ErrContention 在等待预算内未能获得锁，可退避重试
	ErrContention = errors.New("ledger contended")
	// ErrInsufficientStock 可用库存不足
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInfrastructure 存储或共享缓存 I/O 故障
	ErrInfrastructure = errors.New("infrastructure fault")
	// ErrSKUExists SKU 已被其他台账占用
	ErrSKUExists = errors.New("sku already exists")
)
