package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/guardvault/internal/vault"
)

const creditHoldingsSQL = `INSERT INTO holdings (principal, asset_id, amount) VALUES ($1, $2, $3)
	ON CONFLICT (principal, asset_id) DO UPDATE SET amount = holdings.amount + EXCLUDED.amount`

// txLedger is the vault.Ledger for one transaction: transfers move amounts
// between the holdings table and the vault rows written by the same tx.
type txLedger struct {
	tx pgx.Tx
}

func (l *txLedger) Pull(ctx context.Context, from vault.Principal, asset vault.AssetID, amount int64) error {
	tag, err := l.tx.Exec(ctx,
		`UPDATE holdings SET amount = amount - $3
		 WHERE principal = $1 AND asset_id = $2 AND amount >= $3`,
		string(from), string(asset), amount)
	if err != nil {
		return fmt.Errorf("storage: debit holdings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &vault.Error{Kind: vault.KindInsufficientFunds, Op: "ledger pull"}
	}
	return nil
}

func (l *txLedger) Push(ctx context.Context, to vault.Principal, asset vault.AssetID, amount int64) error {
	if _, err := l.tx.Exec(ctx, creditHoldingsSQL, string(to), string(asset), amount); err != nil {
		if hasCode(err, codeOutOfRange) {
			return &vault.Error{Kind: vault.KindAmountOverflow, Op: "ledger push", Err: err}
		}
		return fmt.Errorf("storage: credit holdings: %w", err)
	}
	return nil
}

// CreditHoldings adds amount to p's external holdings of asset.
func (db *DB) CreditHoldings(ctx context.Context, p vault.Principal, asset vault.AssetID, amount int64) error {
	if amount <= 0 {
		return &vault.Error{Kind: vault.KindZeroAmount, Op: "credit_holdings"}
	}
	if _, err := db.pool.Exec(ctx, creditHoldingsSQL, string(p), string(asset), amount); err != nil {
		if hasCode(err, codeOutOfRange) {
			return &vault.Error{Kind: vault.KindAmountOverflow, Op: "credit_holdings", Err: err}
		}
		return fmt.Errorf("storage: credit holdings: %w", err)
	}
	return nil
}

// HoldingsOf returns p's non-zero external holdings.
func (db *DB) HoldingsOf(ctx context.Context, p vault.Principal) (map[vault.AssetID]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT asset_id, amount FROM holdings WHERE principal = $1 AND amount > 0`, string(p))
	if err != nil {
		return nil, fmt.Errorf("storage: holdings of: %w", err)
	}
	defer rows.Close()

	out := make(map[vault.AssetID]int64)
	for rows.Next() {
		var asset string
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("storage: scan holding: %w", err)
		}
		out[vault.AssetID(asset)] = amount
	}
	return out, rows.Err()
}
