package limiter

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// 内置的接口类别
const (
	CategoryInventoryWrite = "inventory-write"
	CategoryInventoryRead  = "inventory-read"
	CategoryInventoryAdmin = "inventory-admin"
)

// Rule 单个接口类别的流控规则
type Rule struct {
	Algorithm Algorithm     `yaml:"algorithm"`
	Rate      int64         `yaml:"rate"`
	Window    time.Duration `yaml:"window"`
	Burst     int64         `yaml:"burst"`
}

// RuleSet 规则文件内容
type RuleSet struct {
	KeyPrefix  string          `yaml:"key_prefix"`
	Categories map[string]Rule `yaml:"categories"`
}

// LoadRules 从 YAML 文件加载规则
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules 解析并校验规则
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse flow rules: %w", err)
	}
	if len(rs.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories defined", ErrInvalidConfig)
	}
	for name, rule := range rs.Categories {
		if rule.Algorithm == "" {
			rule.Algorithm = TokenBucket
			rs.Categories[name] = rule
		}
		if !rule.Algorithm.valid() {
			return nil, fmt.Errorf("%w: category %s has unsupported algorithm %q", ErrInvalidConfig, name, rule.Algorithm)
		}
		if err := rs.config(rule).validate(); err != nil {
			return nil, fmt.Errorf("category %s: %w", name, err)
		}
	}
	return &rs, nil
}

// Names 返回排序后的类别名
func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.Categories))
	for name := range rs.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rs *RuleSet) config(r Rule) Config {
	return Config{Rate: r.Rate, Window: r.Window, Burst: r.Burst, KeyPrefix: rs.KeyPrefix}
}
