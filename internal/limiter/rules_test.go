package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	rs, err := ParseRules([]byte(`
key_prefix: flow
categories:
  inventory-write:
    algorithm: fixed_window
    rate: 5
    window: 2s
  inventory-read:
    rate: 100
    window: 1s
    burst: 200
`))
	require.NoError(t, err)

	assert.Equal(t, "flow", rs.KeyPrefix)
	assert.Equal(t, []string{"inventory-read", "inventory-write"}, rs.Names())

	write := rs.Categories[CategoryInventoryWrite]
	assert.Equal(t, FixedWindow, write.Algorithm)
	assert.Equal(t, 2*time.Second, write.Window)

	read := rs.Categories[CategoryInventoryRead]
	assert.Equal(t, TokenBucket, read.Algorithm, "algorithm defaults to token bucket")
	assert.Equal(t, int64(200), read.Burst)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "categories: ["},
		{"empty", "key_prefix: x"},
		{"zero rate", "categories:\n  a:\n    window: 1s\n"},
		{"missing window", "categories:\n  a:\n    rate: 1\n"},
		{"unknown algorithm", "categories:\n  a:\n    algorithm: leaky\n    rate: 1\n    window: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules_ShippedFile(t *testing.T) {
	rs, err := LoadRules("../../configs/flow_rules.yaml")
	require.NoError(t, err)

	for _, name := range []string{CategoryInventoryWrite, CategoryInventoryRead, CategoryInventoryAdmin} {
		assert.Contains(t, rs.Categories, name)
	}

	_, f, _ := setup(t)
	_, err = NewGate(f, rs, nil, nil)
	assert.NoError(t, err)
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}
