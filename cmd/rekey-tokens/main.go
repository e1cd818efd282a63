// Command rekey-tokens re-encrypts every stored external account token from old AES keys
// to new ones. Run it after rotating ACCESS_TOKEN_KEY / REFRESH_TOKEN_KEY.
//
// Usage:
//
//	rekey-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	OLD_ACCESS_TOKEN_KEY: key the access tokens are currently sealed with (required)
//	OLD_REFRESH_TOKEN_KEY: key the refresh tokens are currently sealed with (defaults to OLD_ACCESS_TOKEN_KEY)
//	ACCESS_TOKEN_KEY, REFRESH_TOKEN_KEY: new keys (REFRESH defaults to ACCESS)
//
// Example:
//
//	export OLD_ACCESS_TOKEN_KEY="$ACCESS_TOKEN_KEY"
//	export ACCESS_TOKEN_KEY="$(openssl rand -base64 32)"
//	./rekey-tokens --dry-run
//	./rekey-tokens
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	sq "github.com/Masterminds/squirrel"

	"github.com/onnwee/stormtrooper/config"
	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// tokenRow is one external_auth row with its sealed token columns.
type tokenRow struct {
	ID       string
	Provider string
	Access   crypto.SealedToken
	Refresh  crypto.SealedToken
}

type summary struct {
	Total   int
	Rekeyed int
	Errors  int
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Decrypt with the old keys and report, without writing")
	provider := flag.String("provider", "", "Re-key tokens of one provider only (default: all providers)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	config.LoadDotEnv(".env")

	if err := run(context.Background(), *dryRun, *provider); err != nil {
		slog.Error("rekey failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("rekey completed successfully")
}

func run(ctx context.Context, dryRun bool, provider string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if os.Getenv("DB_DSN") == "" {
		return errors.New("DB_DSN environment variable is required")
	}
	oldAccess := os.Getenv("OLD_ACCESS_TOKEN_KEY")
	if oldAccess == "" {
		return errors.New("OLD_ACCESS_TOKEN_KEY environment variable is required")
	}
	from, err := crypto.NewTokenCipher(oldAccess, os.Getenv("OLD_REFRESH_TOKEN_KEY"))
	if err != nil {
		return fmt.Errorf("old keys: %w", err)
	}
	to, err := crypto.NewTokenCipher(cfg.AccessTokenKey, cfg.RefreshTokenKey)
	if err != nil {
		return fmt.Errorf("new keys: %w", err)
	}

	database, err := db.Connect(ctx, cfg.DBDsn, db.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	res, err := rekeyTokens(ctx, database, from, to, dryRun, provider)
	slog.Info("rekey summary",
		slog.Int("total", res.Total),
		slog.Int("rekeyed", res.Rekeyed),
		slog.Int("errors", res.Errors),
		slog.Bool("dry_run", dryRun))
	return err
}

// rekeyTokens opens each row with from and reseals it with to. Rows that fail to decrypt
// are reported and left untouched. Each row is updated in its own transaction.
func rekeyTokens(ctx context.Context, database *sql.DB, from, to *crypto.TokenCipher, dryRun bool, provider string) (summary, error) {
	rows, err := loadRows(ctx, database, provider)
	if err != nil {
		return summary{}, err
	}
	res := summary{Total: len(rows)}
	if len(rows) == 0 {
		slog.Info("no external account tokens found")
		return res, nil
	}

	for i, row := range rows {
		logger := slog.With(
			slog.String("provider", row.Provider),
			slog.String("external_id", row.ID),
			slog.Int("index", i+1),
			slog.Int("total", len(rows)))

		access, err := from.OpenAccess(row.Access)
		if err != nil {
			logger.Error("cannot decrypt access token with old key", slog.Any("error", err))
			res.Errors++
			continue
		}
		refresh, err := from.OpenRefresh(row.Refresh)
		if err != nil {
			logger.Error("cannot decrypt refresh token with old key", slog.Any("error", err))
			res.Errors++
			continue
		}
		if dryRun {
			logger.Info("would re-key token (dry-run)")
			res.Rekeyed++
			continue
		}
		if err := rekeyRow(ctx, database, to, row, access, refresh); err != nil {
			logger.Error("failed to re-key token", slog.Any("error", err))
			res.Errors++
			continue
		}
		res.Rekeyed++
	}

	if res.Errors > 0 {
		return res, fmt.Errorf("rekey completed with %d errors", res.Errors)
	}
	return res, nil
}

func loadRows(ctx context.Context, database *sql.DB, provider string) ([]tokenRow, error) {
	b := psql.Select("id", "provider",
		"COALESCE(access_token, '')", "COALESCE(at_iv, '')", "COALESCE(at_tag, '')",
		"COALESCE(refresh_token, '')", "COALESCE(rt_iv, '')", "COALESCE(rt_tag, '')").
		From("external_auth").
		OrderBy("provider", "id")
	if provider != "" {
		b = b.Where(sq.Eq{"provider": provider})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := database.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tokenRow
	for rows.Next() {
		var r tokenRow
		if err := rows.Scan(&r.ID, &r.Provider,
			&r.Access.Cipher, &r.Access.IV, &r.Access.Tag,
			&r.Refresh.Cipher, &r.Refresh.IV, &r.Refresh.Tag); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func rekeyRow(ctx context.Context, database *sql.DB, to *crypto.TokenCipher, row tokenRow, access, refresh string) error {
	at, rt, err := to.SealPair(access, refresh)
	if err != nil {
		return err
	}
	q, args, err := psql.Update("external_auth").
		Set("access_token", nullString(at.Cipher)).
		Set("at_iv", nullString(at.IV)).
		Set("at_tag", nullString(at.Tag)).
		Set("refresh_token", nullString(rt.Cipher)).
		Set("rt_iv", nullString(rt.IV)).
		Set("rt_tag", nullString(rt.Tag)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": row.ID, "provider": row.Provider}).
		// skip rows rewritten since they were read
		Where(sq.Expr("COALESCE(at_iv, '') = ?", row.Access.IV)).
		ToSql()
	if err != nil {
		return err
	}
	return db.WithTx(ctx, database, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
		}
		return nil
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
