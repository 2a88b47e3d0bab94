package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/config"
	"github.com/flexstake/flexstake-backend/internal/engine"
	"github.com/flexstake/flexstake-backend/internal/gate"
	"github.com/flexstake/flexstake-backend/internal/store"
	"github.com/flexstake/flexstake-backend/internal/token"
)

const (
	poolAddr   = token.Address("0xpool")
	adminAddr  = token.Address("0xadmin")
	aliceAddr  = token.Address("0xalice")
	adminToken = "test-admin-token"
	startTime  = uint64(1_000_000)
	weekSec    = uint64(7 * 24 * 3600)
)

type apiFixture struct {
	clock  *engine.ManualClock
	asset  *token.Ledger
	eng    *engine.Engine
	cache  *store.Cache
	router http.Handler
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	clock := engine.NewManualClock(startTime)
	asset := token.NewLedger(poolAddr, 0)
	receipt := token.NewReceiptBook(clock.Now)
	g := gate.NewMemoryGate()
	g.Grant(adminAddr, gate.RoleAdmin)

	params := engine.Params{
		UnbondDelay:    weekSec,
		PenaltyBps:     2500,
		ReinjectWindow: weekSec,
	}
	eng := engine.New(params, poolAddr, asset, receipt, g, clock, logger, nil)

	// Unreachable Redis drops the cache into in-memory mode.
	cache, err := store.NewCache("invalid:6379", logger, nil)
	require.NoError(t, err)
	require.True(t, cache.IsInMemoryMode())
	t.Cleanup(func() { cache.Close() })

	cfg := &config.Config{
		Env: "dev",
		Staking: config.StakingConfig{
			PoolAddress:    string(poolAddr),
			AdminAddress:   string(adminAddr),
			UnbondDelay:    7 * 24 * time.Hour,
			PenaltyBps:     2500,
			ReinjectWindow: 7 * 24 * time.Hour,
		},
		Security: config.SecurityConfig{
			RateLimitRPM: 6000,
			AdminToken:   adminToken,
		},
	}

	h := NewHandler(eng, cache, nil, nil, nil, cfg, logger, nil)
	m := NewMiddleware(logger, nil)
	router := h.Routes(m, []string{"http://localhost:3000"}, cfg.Security.RateLimitRPM)

	return &apiFixture{
		clock:  clock,
		asset:  asset,
		eng:    eng,
		cache:  cache,
		router: router,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) admin(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, path, body, map[string]string{"X-Admin-Token": adminToken})
}

func (f *apiFixture) stake(t *testing.T, addr token.Address, amount int64) {
	t.Helper()
	f.asset.Issue(addr, big.NewInt(amount))
	f.asset.Approve(addr, big.NewInt(amount))
	rec := f.do(t, http.MethodPost, "/v1/stake", StakeRequest{
		Address: string(addr),
		Amount:  big.NewInt(amount).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}

func TestStakeEndpoint(t *testing.T) {
	f := newFixture(t)
	f.asset.Issue(aliceAddr, big.NewInt(1000))
	f.asset.Approve(aliceAddr, big.NewInt(1000))

	rec := f.do(t, http.MethodPost, "/v1/stake", StakeRequest{
		Address: string(aliceAddr),
		Amount:  "1000",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp StakeResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "1000", resp.Received)
	assert.Equal(t, big.NewInt(1000), f.eng.StakedOf(aliceAddr))
}

func TestStakeRejectsMalformedAmount(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/stake", StakeRequest{
		Address: string(aliceAddr),
		Amount:  "lots",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "INVALID_AMOUNT", resp.Code)
}

func TestStakeWithoutAllowanceFails(t *testing.T) {
	f := newFixture(t)
	f.asset.Issue(aliceAddr, big.NewInt(1000))

	rec := f.do(t, http.MethodPost, "/v1/stake", StakeRequest{
		Address: string(aliceAddr),
		Amount:  "1000",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "INVALID_OPERATION", resp.Code)
}

func TestUnstakeWithdrawFlow(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)

	rec := f.do(t, http.MethodPost, "/v1/unstake", UnstakeRequest{
		Address: string(aliceAddr),
		Amount:  "400",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var unstake UnstakeResponse
	decodeBody(t, rec, &unstake)
	assert.Equal(t, 0, unstake.Index)
	assert.Equal(t, startTime+weekSec, unstake.ClaimableAt)

	// Immature entries cannot be withdrawn.
	rec = f.do(t, http.MethodPost, "/v1/withdraw", WithdrawRequest{
		Address: string(aliceAddr),
		Index:   0,
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "UNBOND_NOT_READY", errResp.Code)

	f.clock.Advance(weekSec)

	rec = f.do(t, http.MethodPost, "/v1/withdraw", WithdrawRequest{
		Address: string(aliceAddr),
		Index:   0,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withdraw WithdrawResponse
	decodeBody(t, rec, &withdraw)
	assert.Equal(t, "400", withdraw.Withdrawn)
	assert.True(t, withdraw.Closed)

	rec = f.do(t, http.MethodGet, "/v1/accounts/0xalice/unbonds", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unbonds UnbondsDTO
	decodeBody(t, rec, &unbonds)
	assert.Empty(t, unbonds.Entries)

	assert.Equal(t, big.NewInt(400), f.asset.BalanceOf(aliceAddr))
}

func TestWithdrawRejectsBadIndex(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)

	rec := f.do(t, http.MethodPost, "/v1/withdraw", WithdrawRequest{
		Address: string(aliceAddr),
		Index:   3,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "INVALID_OPERATION", resp.Code)
}

func TestFastWithdrawEndpoint(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)

	rec := f.do(t, http.MethodPost, "/v1/fast-withdraw", FastWithdrawRequest{
		Address: string(aliceAddr),
		Amount:  "400",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp FastWithdrawResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "400", resp.Gross)
	assert.Equal(t, "100", resp.Penalty)
	assert.Equal(t, "300", resp.Net)
	assert.Equal(t, big.NewInt(300), f.asset.BalanceOf(aliceAddr))
	assert.Equal(t, big.NewInt(600), f.eng.StakedOf(aliceAddr))
}

func TestRewardNotifyAccrueClaim(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)
	f.asset.Issue(poolAddr, big.NewInt(700))

	rec := f.admin(t, "/v1/admin/reward", NotifyRewardRequest{
		Amount:      "700",
		DurationSec: 700,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.clock.Advance(350)

	rec = f.do(t, http.MethodGet, "/v1/accounts/0xalice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account AccountDTO
	decodeBody(t, rec, &account)
	assert.Equal(t, "350", account.Earned)
	assert.Equal(t, "1000", account.Staked)

	rec = f.do(t, http.MethodPost, "/v1/claim", ClaimRequest{Address: string(aliceAddr)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claim ClaimResponse
	decodeBody(t, rec, &claim)
	assert.Equal(t, "350", claim.Paid)
	assert.Equal(t, big.NewInt(350), f.asset.BalanceOf(aliceAddr))
}

func TestCompoundEndpoint(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)
	f.asset.Issue(poolAddr, big.NewInt(700))

	rec := f.admin(t, "/v1/admin/reward", NotifyRewardRequest{
		Amount:      "700",
		DurationSec: 700,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	f.clock.Advance(700)

	rec = f.do(t, http.MethodPost, "/v1/compound", ClaimRequest{Address: string(aliceAddr)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CompoundResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "700", resp.Compounded)
	assert.Equal(t, big.NewInt(1700), f.eng.StakedOf(aliceAddr))
}

func TestAdminAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/halt", HaltRequest{Halted: true}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/halt", HaltRequest{Halted: true},
		map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.admin(t, "/v1/admin/halt", HaltRequest{Halted: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A halted pool refuses mutations.
	f.asset.Issue(aliceAddr, big.NewInt(100))
	f.asset.Approve(aliceAddr, big.NewInt(100))
	rec = f.do(t, http.MethodPost, "/v1/stake", StakeRequest{
		Address: string(aliceAddr),
		Amount:  "100",
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "POOL_HALTED", resp.Code)
}

func TestEmissionEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.admin(t, "/v1/admin/emission", EmissionRequest{
		Mode:        "fixed",
		RatePerSec:  "2",
		WindowStart: startTime,
		WindowEnd:   startTime + 3600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Notify is rejected while the fixed schedule is active.
	rec = f.admin(t, "/v1/admin/reward", NotifyRewardRequest{Amount: "100", DurationSec: 100})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.admin(t, "/v1/admin/emission", EmissionRequest{Mode: "topup"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(t, "/v1/admin/emission", EmissionRequest{Mode: "lunar"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	f := newFixture(t)
	f.asset.Issue(poolAddr, big.NewInt(5000))

	// Sweep requires the pool to be halted first.
	rec := f.admin(t, "/v1/admin/sweep", SweepRequest{To: "0xvault"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.admin(t, "/v1/admin/halt", HaltRequest{Halted: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(t, "/v1/admin/sweep", SweepRequest{To: "0xvault"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SweepResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "5000", resp.Swept)
	assert.Equal(t, big.NewInt(5000), f.asset.BalanceOf("0xvault"))
}

func TestPoolEndpoints(t *testing.T) {
	f := newFixture(t)
	f.stake(t, aliceAddr, 1000)

	rec := f.do(t, http.MethodGet, "/v1/pool", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap store.PoolSnapshotView
	decodeBody(t, rec, &snap)
	assert.Equal(t, "1000", snap.TotalStaked)
	assert.Equal(t, "topup", snap.Mode)
	assert.False(t, snap.Halted)

	rec = f.do(t, http.MethodGet, "/v1/pool/apr", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var apr store.PoolAPRView
	decodeBody(t, rec, &apr)
	assert.Equal(t, "0", apr.AprPercent)
}

func TestAccountCacheInvalidatedByStake(t *testing.T) {
	f := newFixture(t)

	// First read caches the empty position.
	rec := f.do(t, http.MethodGet, "/v1/accounts/0xalice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account AccountDTO
	decodeBody(t, rec, &account)
	assert.Equal(t, "0", account.Staked)

	f.stake(t, aliceAddr, 1000)

	rec = f.do(t, http.MethodGet, "/v1/accounts/0xalice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &account)
	assert.Equal(t, "1000", account.Staked)
}

func TestEventsFromCacheRing(t *testing.T) {
	f := newFixture(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	for _, ev := range []engine.Event{
		{ID: "e1", Type: engine.EventStaked, Time: 1, Account: "0xalice"},
		{ID: "e2", Type: engine.EventStaked, Time: 2, Account: "0xbob"},
		{ID: "e3", Type: engine.EventRewardPaid, Time: 3, Account: "0xalice"},
	} {
		require.NoError(t, f.cache.PushEvent(ctx, ev))
	}

	rec := f.do(t, http.MethodGet, "/v1/events?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data    []engine.Event `json:"data"`
		HasMore bool           `json:"hasMore"`
	}
	decodeBody(t, rec, &page)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "e3", page.Data[0].ID)
	assert.Equal(t, "e2", page.Data[1].ID)

	rec = f.do(t, http.MethodGet, "/v1/events?account=0xbob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "e2", page.Data[0].ID)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())
}
