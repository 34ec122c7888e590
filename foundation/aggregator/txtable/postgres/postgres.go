// Package postgres implements the transaction tables on PostgreSQL. Each
// table instance is its own SQL table. Operations run inside the query
// group transaction when the context carries one.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable"
)

// querier is the set of calls shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type ctxKey int

const txKey ctxKey = 1

// uniqueViolation is the SQLSTATE raised by the unique nonce index.
const uniqueViolation = "23505"

// DB wraps the connection pool and hands out tables.
type DB struct {
	pool *pgxpool.Pool
}

// New constructs a DB over the pool.
func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Open connects to the database at the given url.
func Open(ctx context.Context, url string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool new: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return New(pool), nil
}

// Close closes every connection in the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Begin opens a transaction and returns a context carrying it. It
// implements the querygroup.Transactor interface.
func (db *DB) Begin(ctx context.Context) (context.Context, querygroup.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}

	return context.WithValue(ctx, txKey, tx), tx, nil
}

// Table returns access to the named table. EnsureSchema must be called
// before the table is used.
func (db *DB) Table(name string, unique bool) *Table {
	return &Table{db: db, name: pgx.Identifier{name}.Sanitize(), raw: name, unique: unique}
}

// querier returns the transaction in the context, or the pool.
func (db *DB) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// /////////////////////////////////////////////////////////////////

// Table provides access to one transaction table. It implements the
// txtable.Table interface.
type Table struct {
	db     *DB
	name   string
	raw    string
	unique bool
}

var _ txtable.Table = (*Table)(nil)

const columns = `id, pub_key, nonce, token_reward_amount::text, signature, payload`

// EnsureSchema creates the table and its indexes when missing.
func (t *Table) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id BIGSERIAL PRIMARY KEY,
  pub_key TEXT NOT NULL,
  nonce BIGINT NOT NULL,
  token_reward_amount NUMERIC(78,0) NOT NULL,
  signature TEXT NOT NULL,
  payload BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (pub_key, nonce);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (token_reward_amount DESC, id ASC);
`, t.name, pgx.Identifier{t.raw + "_pub_key_nonce_idx"}.Sanitize(), pgx.Identifier{t.raw + "_priority_idx"}.Sanitize())

	if t.unique {
		ddl += fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (pub_key, nonce);\n", pgx.Identifier{t.raw + "_unique_nonce_idx"}.Sanitize(), t.name)
	}

	_, err := t.db.pool.Exec(ctx, ddl)
	return err
}

// Add inserts the transactions in the order given.
func (t *Table) Add(ctx context.Context, txs ...txdata.Tx) error {
	if len(txs) == 0 {
		return nil
	}

	q := fmt.Sprintf(`INSERT INTO %s (pub_key, nonce, token_reward_amount, signature, payload) VALUES ($1, $2, $3::numeric, $4, $5)`, t.name)

	var batch pgx.Batch
	for _, tx := range txs {
		if tx.Nonce > txdata.MaxNonce {
			return fmt.Errorf("%s: nonce out of range: %s", t.raw, tx)
		}

		payload := tx.Payload
		if payload == nil {
			payload = []byte{}
		}
		batch.Queue(q, tx.PubKey, int64(tx.Nonce), tx.Reward().String(), tx.Signature, payload)
	}

	br := t.db.querier(ctx).SendBatch(ctx, &batch)
	for i := range txs {
		if _, err := br.Exec(); err != nil {
			br.Close()

			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%s: %w: %s", t.raw, txtable.ErrDuplicateNonce, txs[i])
			}
			return fmt.Errorf("%s: insert %s: %w", t.raw, txs[i], err)
		}
	}

	return br.Close()
}

// Remove deletes the transactions matching the given ids.
func (t *Table) Remove(ctx context.Context, txs ...txdata.Tx) error {
	if len(txs) == 0 {
		return nil
	}

	ids := make([]int64, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}

	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, t.name)
	_, err := t.db.querier(ctx).Exec(ctx, q, ids)
	return err
}

// Find locates the transaction with the public key and nonce.
func (t *Table) Find(ctx context.Context, pubKey string, nonce uint64) (txdata.Tx, bool, error) {
	if nonce > txdata.MaxNonce {
		return txdata.Tx{}, false, nil
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE pub_key = $1 AND nonce = $2 ORDER BY id ASC LIMIT 1`, columns, t.name)

	tx, err := scanTx(t.db.querier(ctx).QueryRow(ctx, q, pubKey, int64(nonce)))
	if errors.Is(err, pgx.ErrNoRows) {
		return txdata.Tx{}, false, nil
	}
	if err != nil {
		return txdata.Tx{}, false, err
	}

	return tx, true, nil
}

// FindAfter returns transactions for the public key with a greater nonce.
func (t *Table) FindAfter(ctx context.Context, pubKey string, nonce uint64, limit int) ([]txdata.Tx, error) {
	if nonce >= txdata.MaxNonce {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE pub_key = $1 AND nonce > $2 ORDER BY nonce ASC, id ASC LIMIT $3`, columns, t.name)
	return t.query(ctx, q, pubKey, int64(nonce), limit)
}

// PubKeyTxsInNonceOrder returns transactions for the public key by nonce.
func (t *Table) PubKeyTxsInNonceOrder(ctx context.Context, pubKey string, limit int) ([]txdata.Tx, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE pub_key = $1 ORDER BY nonce ASC, id ASC LIMIT $2`, columns, t.name)
	return t.query(ctx, q, pubKey, limit)
}

// NextNonceOf returns the lowest unused nonce at or above from.
func (t *Table) NextNonceOf(ctx context.Context, pubKey string, from uint64) (uint64, error) {
	if from > txdata.MaxNonce {
		return from, nil
	}

	// The run may end at the largest BIGINT, so the successor is computed
	// as NUMERIC.
	q := fmt.Sprintf(`
SELECT (CASE
  WHEN EXISTS (SELECT 1 FROM %[1]s WHERE pub_key = $1 AND nonce = $2) THEN (
    SELECT MIN(a.nonce)::numeric + 1 FROM %[1]s a
    WHERE a.pub_key = $1 AND a.nonce >= $2
      AND NOT EXISTS (SELECT 1 FROM %[1]s b WHERE b.pub_key = $1 AND b.nonce::numeric = a.nonce::numeric + 1)
  )
  ELSE $2::numeric
END)::text`, t.name)

	var next string
	if err := t.db.querier(ctx).QueryRow(ctx, q, pubKey, int64(from)).Scan(&next); err != nil {
		return 0, err
	}

	return strconv.ParseUint(next, 10, 64)
}

// HighestPriority returns transactions by reward descending, then id.
func (t *Table) HighestPriority(ctx context.Context, limit int) ([]txdata.Tx, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY token_reward_amount DESC, id ASC LIMIT $1`, columns, t.name)
	return t.query(ctx, q, limit)
}

// Oldest returns the transaction with the lowest id.
func (t *Table) Oldest(ctx context.Context) (txdata.Tx, bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC LIMIT 1`, columns, t.name)

	tx, err := scanTx(t.db.querier(ctx).QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		return txdata.Tx{}, false, nil
	}
	if err != nil {
		return txdata.Tx{}, false, err
	}

	return tx, true, nil
}

// ClearBeforeID deletes every transaction with an id below the one given.
func (t *Table) ClearBeforeID(ctx context.Context, id int64) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id < $1`, t.name)
	_, err := t.db.querier(ctx).Exec(ctx, q, id)
	return err
}

// Count returns the number of transactions held.
func (t *Table) Count(ctx context.Context) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.name)

	var count int64
	if err := t.db.querier(ctx).QueryRow(ctx, q).Scan(&count); err != nil {
		return 0, err
	}

	return int(count), nil
}

// All returns every transaction in id order.
func (t *Table) All(ctx context.Context) ([]txdata.Tx, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, columns, t.name)
	return t.query(ctx, q)
}

// Truncate removes every row and resets the id sequence. Used by tests.
func (t *Table) Truncate(ctx context.Context) error {
	_, err := t.db.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s RESTART IDENTITY`, t.name))
	return err
}

// /////////////////////////////////////////////////////////////////

func (t *Table) query(ctx context.Context, q string, args ...any) ([]txdata.Tx, error) {
	rows, err := t.db.querier(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []txdata.Tx
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

func scanTx(row pgx.Row) (txdata.Tx, error) {
	var (
		tx     txdata.Tx
		nonce  int64
		reward string
	)

	if err := row.Scan(&tx.ID, &tx.PubKey, &nonce, &reward, &tx.Signature, &tx.Payload); err != nil {
		return txdata.Tx{}, err
	}

	amount, ok := new(big.Int).SetString(reward, 10)
	if !ok {
		return txdata.Tx{}, fmt.Errorf("invalid reward amount %q for id %d", reward, tx.ID)
	}
	tx.Nonce = uint64(nonce)
	tx.TokenRewardAmount = amount

	return tx, nil
}
