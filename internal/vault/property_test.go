package vault_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// step is one randomly generated call against the fixture vault.
type step struct {
	Op     int
	Amount int64
	Wait   int64 // hours to advance before the call
}

func genSteps() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflect.TypeOf(step{}), map[string]gopter.Gen{
		"Op":     gen.IntRange(0, 5),
		"Amount": gen.Int64Range(-10, 3000),
		"Wait":   gen.Int64Range(0, 24*40),
	}))
}

func (f *fixture) run(s step) error {
	ctx := context.Background()
	f.clock.Advance(time.Duration(s.Wait) * time.Hour)
	switch s.Op {
	case 0:
		return f.v.Deposit(ctx, ownerAddr, assetX, s.Amount)
	case 1:
		return f.v.Withdraw(ctx, ownerAddr, assetX, s.Amount)
	case 2:
		if s.Amount%2 == 0 {
			return f.v.Pause(ownerAddr)
		}
		return f.v.Unpause(ownerAddr)
	default:
		return f.pay(assetX, s.Amount)
	}
}

func TestPropertyBalanceNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("balances and counters stay within bounds", prop.ForAll(
		func(steps []step) bool {
			f := newFixture(t)
			for _, s := range steps {
				_ = f.run(s)
				if f.v.Balance(assetX) < 0 {
					return false
				}
				p, _ := f.v.GetSpendPolicy(f.grant.AgentID, assetX)
				if p.SpentThisPeriod > p.TotalPerPeriod || p.TxCountThisPeriod > p.MaxTxPerPeriod {
					return false
				}
			}
			return true
		},
		genSteps(),
	))

	properties.TestingRun(t)
}

func TestPropertyFailedCallsAreNoops(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a rejected call leaves the snapshot unchanged", prop.ForAll(
		func(steps []step) bool {
			f := newFixture(t)
			for _, s := range steps {
				before := f.v.Snapshot()
				n := len(f.events.Events())
				if err := f.run(s); err != nil {
					if !reflect.DeepEqual(before, f.v.Snapshot()) || len(f.events.Events()) != n {
						return false
					}
				}
			}
			return true
		},
		genSteps(),
	))

	properties.TestingRun(t)
}

func TestPropertyRolloverResetsCounters(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("a call after the window sees fresh counters", prop.ForAll(
		func(spent []int64, extra int64) bool {
			f := newFixture(t)
			for _, a := range spent {
				_ = f.pay(assetX, a)
			}
			f.clock.Advance(month + time.Duration(extra)*time.Minute)
			if err := f.pay(assetX, 1000); err != nil {
				return false
			}
			p, _ := f.v.GetSpendPolicy(f.grant.AgentID, assetX)
			return p.SpentThisPeriod == 1000 && p.TxCountThisPeriod == 1 && p.PeriodStart.Equal(f.clock.now)
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.Int64Range(0, 60*24*90),
	))

	properties.TestingRun(t)
}
