package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// record is an account row with its secrets still sealed.
type record struct {
	models.Account
	SealedSecret []byte
	SealedToken  []byte
}

type Repository interface {
	Save(ctx context.Context, r *record) error
	Get(ctx context.Context, id string) (*record, error)
	List(ctx context.Context) ([]*record, error)
	Delete(ctx context.Context, id string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts the account and replaces its bucket list in one transaction.
func (r *SQLiteRepository) Save(ctx context.Context, rec *record) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, provider, name, access_key_id, secret_access_key, api_token,
				region, endpoint_scheme, endpoint_host, force_path_style, public_domain, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				provider = excluded.provider,
				name = excluded.name,
				access_key_id = excluded.access_key_id,
				secret_access_key = excluded.secret_access_key,
				api_token = excluded.api_token,
				region = excluded.region,
				endpoint_scheme = excluded.endpoint_scheme,
				endpoint_host = excluded.endpoint_host,
				force_path_style = excluded.force_path_style,
				public_domain = excluded.public_domain
		`, rec.ID, rec.Provider, rec.Name, rec.AccessKeyID, rec.SealedSecret, rec.SealedToken,
			rec.Region, rec.EndpointScheme, rec.EndpointHost, dbx.BoolToInt(rec.ForcePathStyle),
			rec.PublicDomain, rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save account %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM account_buckets WHERE account_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("failed to reset buckets of %s: %w", rec.ID, err)
		}
		for _, b := range rec.Buckets {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO account_buckets (account_id, bucket) VALUES (?, ?)`, rec.ID, b); err != nil {
				return fmt.Errorf("failed to save bucket %s of %s: %w", b, rec.ID, err)
			}
		}
		return nil
	})
}

const accountColumns = `id, provider, name, access_key_id, secret_access_key, api_token,
	region, endpoint_scheme, endpoint_host, force_path_style, public_domain, created_at`

func scanRecord(row interface{ Scan(...any) error }) (*record, error) {
	var (
		rec       record
		pathStyle int
		created   int64
	)
	err := row.Scan(&rec.ID, &rec.Provider, &rec.Name, &rec.AccessKeyID, &rec.SealedSecret, &rec.SealedToken,
		&rec.Region, &rec.EndpointScheme, &rec.EndpointHost, &pathStyle, &rec.PublicDomain, &created)
	if err != nil {
		return nil, err
	}
	rec.ForcePathStyle = pathStyle != 0
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	buckets, err := r.buckets(ctx)
	if err != nil {
		return nil, err
	}
	rec.Buckets = buckets[id]
	return rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	rows.Close()

	buckets, err := r.buckets(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range out {
		rec.Buckets = buckets[rec.ID]
	}
	return out, nil
}

func (r *SQLiteRepository) buckets(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_id, bucket FROM account_buckets ORDER BY account_id, bucket`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account buckets: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var id, b string
		if err := rows.Scan(&id, &b); err != nil {
			return nil, fmt.Errorf("failed to scan account bucket: %w", err)
		}
		out[id] = append(out[id], b)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}
