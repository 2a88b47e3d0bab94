package calc

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAccrueRewardPerUnit(t *testing.T) {
	tests := []struct {
		name        string
		stored      *big.Int
		ratePerSec  *big.Int
		elapsed     uint64
		totalStaked *big.Int
		expected    *big.Int
	}{
		{
			name:        "normal case",
			stored:      big.NewInt(0),
			ratePerSec:  big.NewInt(1),
			elapsed:     350,
			totalStaked: big.NewInt(1000),
			// 350 * 1 * 1e18 / 1000
			expected: new(big.Int).Mul(big.NewInt(350_000_000_000_000_0), big.NewInt(100)),
		},
		{
			name:        "zero stake leaves counter unchanged",
			stored:      big.NewInt(42),
			ratePerSec:  big.NewInt(10),
			elapsed:     100,
			totalStaked: big.NewInt(0),
			expected:    big.NewInt(42),
		},
		{
			name:        "zero rate",
			stored:      big.NewInt(42),
			ratePerSec:  big.NewInt(0),
			elapsed:     100,
			totalStaked: big.NewInt(1000),
			expected:    big.NewInt(42),
		},
		{
			name:        "zero elapsed",
			stored:      big.NewInt(42),
			ratePerSec:  big.NewInt(10),
			elapsed:     0,
			totalStaked: big.NewInt(1000),
			expected:    big.NewInt(42),
		},
		{
			name:        "floor division truncates toward pool",
			stored:      big.NewInt(0),
			ratePerSec:  big.NewInt(1),
			elapsed:     1,
			totalStaked: new(big.Int).Add(Scale, big.NewInt(1)), // 1e18 + 1 staked
			expected:    big.NewInt(0),                          // 1e18 / (1e18+1) floors to 0
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := AccrueRewardPerUnit(tt.stored, tt.ratePerSec, tt.elapsed, tt.totalStaked)
			assert.Zero(t, tt.expected.Cmp(result), "expected %s, got %s", tt.expected, result)
		})
	}
}

func TestAccrueRewardPerUnitDoesNotAliasStored(t *testing.T) {
	stored := big.NewInt(7)
	out := AccrueRewardPerUnit(stored, big.NewInt(1), 10, big.NewInt(1))
	assert.Zero(t, big.NewInt(7).Cmp(stored), "stored counter must not be mutated in place")
	assert.Positive(t, out.Cmp(stored))
}

func TestEarnedReward(t *testing.T) {
	perUnit := func(units int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(units), Scale)
	}

	tests := []struct {
		name     string
		staked   *big.Int
		current  *big.Int
		paid     *big.Int
		accrued  *big.Int
		expected *big.Int
	}{
		{
			name:     "normal rewards",
			staked:   big.NewInt(100),
			current:  perUnit(2),
			paid:     perUnit(1),
			accrued:  big.NewInt(0),
			expected: big.NewInt(100),
		},
		{
			name:     "no growth since snapshot",
			staked:   big.NewInt(100),
			current:  perUnit(1),
			paid:     perUnit(1),
			accrued:  big.NewInt(5),
			expected: big.NewInt(5),
		},
		{
			name:     "zero stake keeps settled remainder",
			staked:   big.NewInt(0),
			current:  perUnit(3),
			paid:     perUnit(1),
			accrued:  big.NewInt(9),
			expected: big.NewInt(9),
		},
		{
			name:     "stale snapshot above counter yields accrued only",
			staked:   big.NewInt(100),
			current:  perUnit(1),
			paid:     perUnit(2),
			accrued:  big.NewInt(3),
			expected: big.NewInt(3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EarnedReward(tt.staked, tt.current, tt.paid, tt.accrued)
			assert.Zero(t, tt.expected.Cmp(result), "expected %s, got %s", tt.expected, result)
			assert.GreaterOrEqual(t, result.Sign(), 0)
		})
	}
}

func TestPenaltySplit(t *testing.T) {
	tests := []struct {
		name            string
		amount          *big.Int
		bps             uint32
		wantPenalty     *big.Int
		wantNet         *big.Int
	}{
		{
			name:        "base configuration 25 percent",
			amount:      big.NewInt(1000),
			bps:         2500,
			wantPenalty: big.NewInt(250),
			wantNet:     big.NewInt(750),
		},
		{
			name:        "floor favors the staker on the penalty",
			amount:      big.NewInt(3),
			bps:         2500,
			wantPenalty: big.NewInt(0), // 3*2500/10000 floors to 0
			wantNet:     big.NewInt(3),
		},
		{
			name:        "zero bps",
			amount:      big.NewInt(1000),
			bps:         0,
			wantPenalty: big.NewInt(0),
			wantNet:     big.NewInt(1000),
		},
		{
			name:        "full confiscation",
			amount:      big.NewInt(1000),
			bps:         10000,
			wantPenalty: big.NewInt(1000),
			wantNet:     big.NewInt(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			penalty, net := PenaltySplit(tt.amount, tt.bps)
			assert.Zero(t, tt.wantPenalty.Cmp(penalty), "penalty: expected %s, got %s", tt.wantPenalty, penalty)
			assert.Zero(t, tt.wantNet.Cmp(net), "net: expected %s, got %s", tt.wantNet, net)

			sum := new(big.Int).Add(penalty, net)
			assert.Zero(t, tt.amount.Cmp(sum), "split must conserve the gross amount")
		})
	}
}

func TestRolloverRate(t *testing.T) {
	tests := []struct {
		name        string
		amount      *big.Int
		currentRate *big.Int
		remaining   uint64
		duration    uint64
		expected    *big.Int
	}{
		{
			name:        "fresh period with no leftover",
			amount:      big.NewInt(700),
			currentRate: big.NewInt(0),
			remaining:   0,
			duration:    700,
			expected:    big.NewInt(1),
		},
		{
			name:        "leftover from active period rolls in",
			amount:      big.NewInt(500),
			currentRate: big.NewInt(2),
			remaining:   250, // 500 undistributed
			duration:    100,
			expected:    big.NewInt(10), // (500 + 500) / 100
		},
		{
			name:        "floor division",
			amount:      big.NewInt(99),
			currentRate: nil,
			remaining:   0,
			duration:    100,
			expected:    big.NewInt(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RolloverRate(tt.amount, tt.currentRate, tt.remaining, tt.duration)
			assert.Zero(t, tt.expected.Cmp(result), "expected %s, got %s", tt.expected, result)
		})
	}
}

func TestEmissionAPR(t *testing.T) {
	// 1 unit/sec against 31,536,000 staked units is exactly 100% a year.
	apr := EmissionAPR(big.NewInt(1), big.NewInt(31_536_000))
	assert.True(t, decimal.NewFromInt(100).Equal(apr), "expected 100%% APR, got %s", apr)
}

func TestEmissionAPRZeroStake(t *testing.T) {
	apr := EmissionAPR(big.NewInt(1), big.NewInt(0))
	assert.True(t, decimal.Zero.Equal(apr), "expected 0%% APR with no stake, got %s", apr)
}

func TestValidatePositive(t *testing.T) {
	assert.Error(t, ValidatePositive(nil, "stake"))
	assert.Error(t, ValidatePositive(big.NewInt(0), "stake"))
	assert.Error(t, ValidatePositive(big.NewInt(-1), "stake"))
	assert.NoError(t, ValidatePositive(big.NewInt(1), "stake"))

	huge := new(big.Int).Exp(big.NewInt(10), big.NewInt(39), nil)
	assert.Error(t, ValidatePositive(huge, "stake"))
}

func TestValidateWindow(t *testing.T) {
	assert.Error(t, ValidateWindow(100, 100))
	assert.Error(t, ValidateWindow(100, 50))
	assert.NoError(t, ValidateWindow(100, 101))
}

func TestValidateBps(t *testing.T) {
	assert.NoError(t, ValidateBps(0, "penalty"))
	assert.NoError(t, ValidateBps(10000, "penalty"))
	assert.Error(t, ValidateBps(10001, "penalty"))
}
