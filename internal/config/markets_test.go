package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/domain"
)

func TestDefaultDecrementFactors(t *testing.T) {
	policies, err := LoadPolicies("")
	require.NoError(t, err)

	assert.True(t, policies.DecrementFactor("US", domain.TemperatureHTB).Equal(decimal.RequireFromString("1")))
	assert.True(t, policies.DecrementFactor("US", domain.TemperatureGC).Equal(decimal.RequireFromString("0.2")))
	assert.True(t, policies.DecrementFactor("US", "").Equal(decimal.RequireFromString("0.1")))
	// Unknown markets get the neutral default policy.
	assert.True(t, policies.DecrementFactor("DE", domain.TemperatureHTB).Equal(decimal.RequireFromString("1")))
	assert.True(t, policies.DecrementFactor("DE", "").Equal(decimal.RequireFromString("0.1")))
}

func TestDefaultMarketSwitches(t *testing.T) {
	policies, err := LoadPolicies("")
	require.NoError(t, err)

	assert.True(t, policies.Policy("JP").ShortSellIncludesPledge)
	assert.False(t, policies.Policy("JP").ExcludeBorrowedRelending)
	assert.True(t, policies.Policy("TW").ExcludeBorrowedRelending)
	assert.False(t, policies.Policy("US").ShortSellIncludesPledge)
	assert.Equal(t, 2, policies.Policy("US").SettlementDays)
}

func TestLoadPoliciesOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  US:
    settlement_days: 1
    default_decrement: 25
    decrements:
      HTB: 100
  HK:
    settlement_days: 2
    holidays:
      - "2026-10-01"
      - "not-a-date"
`), 0o644))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)

	us := policies.Policy("US")
	assert.Equal(t, 1, us.SettlementDays)
	assert.True(t, policies.DecrementFactor("US", domain.TemperatureGC).Equal(decimal.RequireFromString("0.25")),
		"file override drops the GC entry, falling back to its default_decrement")

	hk := policies.Policy("HK")
	assert.Equal(t, "HK", hk.Market, "market key fills the name when omitted")
	assert.Equal(t, []domain.Date{"2026-10-01"}, hk.HolidayDates(), "malformed holidays are dropped")

	// Markets absent from the file keep their built-in defaults.
	assert.True(t, policies.Policy("JP").ShortSellIncludesPledge)
}

func TestLoadPoliciesRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markets: ["), 0o644))
	_, err := LoadPolicies(path)
	assert.Error(t, err)

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
