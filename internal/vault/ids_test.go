package vault

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrincipal(t *testing.T) {
	tests := []struct {
		in      string
		want    Principal
		wantErr bool
	}{
		{in: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", want: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{in: "  alice@example  ", want: "alice@example"},
		{in: "0x0000000000000000000000000000000000000000", wantErr: true},
		{in: "0x1234", wantErr: true},
		{in: "", wantErr: true},
		{in: "has space", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrincipal(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrZeroAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssetValidate(t *testing.T) {
	assert.NoError(t, NativeAsset.Validate())
	assert.NoError(t, AssetID("erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48").Validate())
	assert.ErrorIs(t, AssetID("").Validate(), ErrInvalidAsset)
	assert.ErrorIs(t, AssetID("usd c").Validate(), ErrInvalidAsset)
}

func TestAdmitOverflowSafe(t *testing.T) {
	p := SpendPolicy{Limits: Limits{MaxPerTx: math.MaxInt64, TotalPerPeriod: math.MaxInt64, MaxTxPerPeriod: 5, PeriodLength: time.Hour}}
	p.SpentThisPeriod = math.MaxInt64 - 1
	assert.Equal(t, KindExceedsPeriodLimit, p.admit(2))
	assert.Equal(t, Kind(""), p.admit(1))
}

func TestRolledDoesNotMutate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := SpendPolicy{Limits: Limits{PeriodLength: time.Hour}, PeriodStart: start, SpentThisPeriod: 7, TxCountThisPeriod: 2}

	same := p.rolled(start.Add(59 * time.Minute))
	assert.Equal(t, p, same)

	at := start.Add(time.Hour)
	r := p.rolled(at)
	assert.Zero(t, r.SpentThisPeriod)
	assert.Zero(t, r.TxCountThisPeriod)
	assert.Equal(t, at, r.PeriodStart)
	assert.Equal(t, int64(7), p.SpentThisPeriod)

	assert.Equal(t, at.Add(time.Microsecond), p.rolled(at.Add(time.Microsecond+999)).PeriodStart)
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("service: execute: %w", fail("execute_payment", KindVaultPaused))
	assert.ErrorIs(t, err, ErrVaultPaused)
	assert.NotErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, KindVaultPaused, KindOf(err))
	assert.Equal(t, "vault: execute_payment: VAULT_PAUSED", errors.Unwrap(err).Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, DispositionInternal, DispositionOf(errors.New("plain")))
	assert.Equal(t, DispositionInvalidRequest, DispositionOf(ErrZeroAmount))
}

func TestCapabilityRoundTrip(t *testing.T) {
	c, digest, err := mintCapability(newID(), newID())
	require.NoError(t, err)
	parsed, err := ParseCapability(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
	assert.True(t, digestMatches(parsed.secret, digest))

	_, err = ParseCapability("gvcap_not-a-uuid.x.y")
	assert.Error(t, err)
	_, err = ParseCapability("bearer abc")
	assert.Error(t, err)
}

func TestMintFailure(t *testing.T) {
	orig := randRead
	t.Cleanup(func() { randRead = orig })
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

	v := newVault(newID(), "owner", time.Now())
	_, err := v.AddAgent("owner", "agent")
	require.Error(t, err)
	assert.Empty(t, v.Agents())
}
