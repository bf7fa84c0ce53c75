package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/clearing-service/internal/domain"
)

// PostgresAccountDirectory resolves IBANs through sp_bank_validate_account.
type PostgresAccountDirectory struct {
	db *pgxpool.Pool
}

func NewPostgresAccountDirectory(db *pgxpool.Pool) *PostgresAccountDirectory {
	return &PostgresAccountDirectory{db: db}
}

// ValidateAccount returns the account holder details, or ErrAccountNotFound.
func (d *PostgresAccountDirectory) ValidateAccount(ctx context.Context, iban string) (*domain.AccountInfo, error) {
	query := `
		SELECT p_exists, COALESCE(p_name, ''), COALESCE(p_identification, ''), COALESCE(p_currency_iso, ''),
			COALESCE(p_debit, false), COALESCE(p_credit, false)
		FROM sp_bank_validate_account(p_iban => $1)
	`
	var (
		exists *bool
		info   domain.AccountInfo
	)
	err := d.db.QueryRow(ctx, query, iban).Scan(&exists, &info.Name, &info.Identification, &info.Currency, &info.Debit, &info.Credit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("sp_bank_validate_account: %w", err)
	}
	if exists == nil || !*exists {
		return nil, ErrAccountNotFound
	}
	return &info, nil
}
