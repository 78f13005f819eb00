package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (receipts table + run token index)
const currentSchemaVersion = 1

// Store is the durable append-only ledger. SQLite in WAL mode with a
// single-writer connection pool; appends are transactional and verify
// linkage against the last stored receipt before inserting.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path. Pragmas and
// schema migrations apply automatically; the call is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// avoids SQLITE_BUSY instead of retrying around it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	// No incremental migrations yet; schema.sql is v1.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Append stores the next receipt. The insert runs in a transaction
// that first re-checks linkage against the stored head, so two
// writers can never fork the chain.
func (s *Store) Append(ctx context.Context, r Receipt) error {
	body, err := r.MarshalBody()
	if err != nil {
		return fmt.Errorf("encoding receipt %d: %w", r.StepIndex, err)
	}
	computed, err := r.ComputeHash()
	if err != nil {
		return err
	}
	if r.Hash != computed {
		return fmt.Errorf("receipt %d hash %s does not match body", r.StepIndex, r.Hash)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var (
		lastIndex sql.NullInt64
		lastHash  sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT step_index, hash FROM receipts ORDER BY step_index DESC LIMIT 1`,
	).Scan(&lastIndex, &lastHash)
	switch {
	case err == sql.ErrNoRows:
		if r.StepIndex != 0 {
			return fmt.Errorf("receipt %d cannot start an empty ledger", r.StepIndex)
		}
	case err != nil:
		return fmt.Errorf("reading ledger head: %w", err)
	default:
		if r.StepIndex != lastIndex.Int64+1 {
			return fmt.Errorf("receipt %d does not follow stored head %d", r.StepIndex, lastIndex.Int64)
		}
		if r.PrevHash != lastHash.String {
			return fmt.Errorf("receipt %d prev hash %s does not link to stored head", r.StepIndex, r.PrevHash)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO receipts (step_index, hash, prev_hash, run_token, decision, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.StepIndex, r.Hash, r.PrevHash, r.RunToken, r.Decision, string(body),
	)
	if err != nil {
		return fmt.Errorf("inserting receipt %d: %w", r.StepIndex, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// StoredReceipt is a raw ledger row: the canonical body bytes exactly
// as persisted plus the recorded hash. The verifier consumes rows in
// this form so nothing is silently re-encoded on the way out.
type StoredReceipt struct {
	StepIndex int64
	Hash      string
	Body      []byte
}

// ReadAll returns every stored row in step order.
func (s *Store) ReadAll(ctx context.Context) ([]StoredReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, hash, body FROM receipts ORDER BY step_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading receipts: %w", err)
	}
	defer rows.Close()

	var out []StoredReceipt
	for rows.Next() {
		var (
			sr   StoredReceipt
			body string
		)
		if err := rows.Scan(&sr.StepIndex, &sr.Hash, &body); err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		sr.Body = []byte(body)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Last returns the stored head receipt, decoded.
func (s *Store) Last(ctx context.Context) (Receipt, bool, error) {
	var (
		hash string
		body string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, body FROM receipts ORDER BY step_index DESC LIMIT 1`,
	).Scan(&hash, &body)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("reading ledger head: %w", err)
	}
	r, err := DecodeBody([]byte(body), hash)
	if err != nil {
		return Receipt{}, false, err
	}
	return r, true, nil
}

// Count returns the number of stored receipts.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting receipts: %w", err)
	}
	return n, nil
}
