// Package channelcache implements ChannelCache: the durable map of payment
// channels and ledger channels, indexed by contextId (allocation), with the
// row-level lease that is the concurrency primitive the rest of this module
// builds on. Backed by PostgreSQL through pgx, using SELECT ... FOR UPDATE
// SKIP LOCKED as the lock primitive, in the spirit of the teacher's
// channeldb.DB wrapping a single storage engine (there bbolt, here a
// Postgres pool) behind a narrow, mutation-tracking API.
package channelcache

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/btcsuite/btclog"
	"github.com/graphprotocol/graph-payments/build"
	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/migrations"
)

var (
	errBadNumeric      = errors.New("channelcache: malformed numeric column")
	errOurTurnReceipt  = errors.New("channelcache: refusing receipt that would overwrite an active lease")
	errChannelNotFound = errors.New("channelcache: channel not found")
)

// log is the channelcache subsystem logger; wired up via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(backend *btclog.Backend) {
	log = build.NewSubLogger("CHCH", backend)
}

// Critical is the caller-supplied function run while a channel's row lock
// is held. It receives the current on-disk snapshot and returns the
// snapshot to persist back (nil to leave it untouched) plus an arbitrary
// result for the caller.
type Critical func(snapshot *gpptypes.PaymentChannel) (updated *gpptypes.PaymentChannel, result interface{}, err error)

// Cache is the contract the rest of this module depends on; PostgresCache
// is the only production implementation, but the interface keeps
// ChannelManager/PaymentManager substitutable in tests.
type Cache interface {
	InsertChannels(ctx context.Context, contextID gpptypes.Destination, channels []gpptypes.ChannelResult) ([]gpptypes.Destination, error)
	RemoveChannels(ctx context.Context, ids []gpptypes.Destination) error
	RetireChannels(ctx context.Context, contextID gpptypes.Destination) (gpptypes.RetirementReport, error)
	ActiveAllocations(ctx context.Context, filter []gpptypes.Destination) (map[string]int, error)
	ActiveChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error)
	ClosableChannels(ctx context.Context) (map[string][]gpptypes.Destination, error)
	ReadyingChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error)
	StalledChannels(ctx context.Context, minAge time.Duration, limit int, contextID gpptypes.Destination) ([]gpptypes.Destination, error)

	InsertLedgerChannel(ctx context.Context, contextID, channelID gpptypes.Destination, initialOutcome []byte) error
	GetLedgerChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.LedgerChannel, error)
	RemoveLedgerChannels(ctx context.Context, ids []gpptypes.Destination) error

	AcquireChannel(ctx context.Context, contextID gpptypes.Destination, critical Critical) (interface{}, error)
	SubmitReceipt(ctx context.Context, result gpptypes.ChannelResult) (*gpptypes.PaymentChannel, error)

	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	ClearCache(ctx context.Context) error
}

// PostgresCache is the production Cache implementation.
type PostgresCache struct {
	pool *pgxpool.Pool
	dsn  string
}

// New constructs a PostgresCache over an already-configured pool. The pool
// itself is a process-wide shared resource per spec.md §9 "Global state";
// it is passed in explicitly rather than built from package-level config.
func New(pool *pgxpool.Pool, dsn string) *PostgresCache {
	return &PostgresCache{pool: pool, dsn: dsn}
}

// Initialize applies the schema migrations and pings the pool. Idempotent.
func (c *PostgresCache) Initialize(ctx context.Context) error {
	if err := migrations.Apply(c.dsn); err != nil {
		return gpperrors.Storage("ChannelCache.Initialize", err)
	}
	if err := c.pool.Ping(ctx); err != nil {
		return gpperrors.Storage("ChannelCache.Initialize", err)
	}
	return nil
}

// Destroy closes the connection pool. The only teardown the cache exposes.
func (c *PostgresCache) Destroy(ctx context.Context) error {
	c.pool.Close()
	return nil
}

// ClearCache truncates both tables; used by tests and by operators
// resetting a development environment.
func (c *PostgresCache) ClearCache(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `TRUNCATE payment_channels, ledger_channels`)
	if err != nil {
		return gpperrors.Storage("ChannelCache.ClearCache", err)
	}
	return nil
}

// InsertChannels implements the "0 -> 3" upsert law (P6): on primary-key
// conflict, turnNum is advanced only if it is moving from PendingTurnNum to
// InitialRunningTurnNum; every other conflict is a silent no-op.
func (c *PostgresCache) InsertChannels(ctx context.Context, contextID gpptypes.Destination, channels []gpptypes.ChannelResult) ([]gpptypes.Destination, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.InsertChannels", err)
	}
	defer tx.Rollback(ctx)

	var inserted []gpptypes.Destination
	for _, ch := range channels {
		tag, err := tx.Exec(ctx, `
			INSERT INTO payment_channels
				(channel_id, context_id, turn_num, payer_bal, receiver_bal, app_data, outcome, retired, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, now())
			ON CONFLICT (channel_id) DO UPDATE SET
				turn_num   = EXCLUDED.turn_num,
				app_data   = EXCLUDED.app_data,
				outcome    = EXCLUDED.outcome,
				payer_bal  = EXCLUDED.payer_bal,
				receiver_bal = EXCLUDED.receiver_bal,
				updated_at = now()
			WHERE payment_channels.turn_num = 0
			  AND EXCLUDED.turn_num = $8
		`, []byte(ch.ChannelID), []byte(contextID), ch.TurnNum, amountStr(ch.PayerBal), amountStr(ch.ReceiverBal), ch.AppData, ch.Outcome, gpptypes.InitialRunningTurnNum)
		if err != nil {
			return nil, gpperrors.Storage("ChannelCache.InsertChannels", err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, ch.ChannelID)
			continue
		}

		// No row affected: the channel id already exists and the
		// upsert guard declined the update (a no-op conflict). The
		// plain insert below skips existing ids as well, so it only
		// counts a row that the statement above did not cover.
		tag2, err := tx.Exec(ctx, `
			INSERT INTO payment_channels
				(channel_id, context_id, turn_num, payer_bal, receiver_bal, app_data, outcome, retired, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, now())
			ON CONFLICT (channel_id) DO NOTHING
		`, []byte(ch.ChannelID), []byte(contextID), ch.TurnNum, amountStr(ch.PayerBal), amountStr(ch.ReceiverBal), ch.AppData, ch.Outcome)
		if err != nil {
			return nil, gpperrors.Storage("ChannelCache.InsertChannels", err)
		}
		if tag2.RowsAffected() > 0 {
			inserted = append(inserted, ch.ChannelID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, gpperrors.Storage("ChannelCache.InsertChannels", err)
	}
	return inserted, nil
}

// RemoveChannels deletes the given channel rows outright, used after
// closeChannels succeeds.
func (c *PostgresCache) RemoveChannels(ctx context.Context, ids []gpptypes.Destination) error {
	if len(ids) == 0 {
		return nil
	}
	byteIDs := toByteSlices(ids)
	_, err := c.pool.Exec(ctx, `DELETE FROM payment_channels WHERE channel_id = ANY($1)`, byteIDs)
	if err != nil {
		return gpperrors.Storage("ChannelCache.RemoveChannels", err)
	}
	return nil
}

// RetireChannels flips retired=true on every non-retired row for contextID
// and reports the total indexer balance retired (P5).
func (c *PostgresCache) RetireChannels(ctx context.Context, contextID gpptypes.Destination) (gpptypes.RetirementReport, error) {
	rows, err := c.pool.Query(ctx, `
		UPDATE payment_channels
		SET retired = TRUE, updated_at = now()
		WHERE context_id = $1 AND NOT retired
		RETURNING channel_id, receiver_bal
	`, []byte(contextID))
	if err != nil {
		return gpptypes.RetirementReport{}, gpperrors.Storage("ChannelCache.RetireChannels", err)
	}
	defer rows.Close()

	total := big.NewInt(0)
	var ids []gpptypes.Destination
	for rows.Next() {
		var channelID []byte
		var receiverBal string
		if err := rows.Scan(&channelID, &receiverBal); err != nil {
			return gpptypes.RetirementReport{}, gpperrors.Storage("ChannelCache.RetireChannels", err)
		}
		bal, ok := new(big.Int).SetString(receiverBal, 10)
		if !ok {
			return gpptypes.RetirementReport{}, gpperrors.Storage("ChannelCache.RetireChannels", errBadNumeric)
		}
		total.Add(total, bal)
		ids = append(ids, gpptypes.Destination(channelID))
	}
	if err := rows.Err(); err != nil {
		return gpptypes.RetirementReport{}, gpperrors.Storage("ChannelCache.RetireChannels", err)
	}

	log.Infof("retired %d channel(s) for context %s, amount=%s", len(ids), contextID, total)
	return gpptypes.RetirementReport{Amount: total, ChannelIDs: ids}, nil
}

// ActiveAllocations returns the count of non-retired channels per
// allocation, optionally restricted to filter.
func (c *PostgresCache) ActiveAllocations(ctx context.Context, filter []gpptypes.Destination) (map[string]int, error) {
	var rows pgx.Rows
	var err error
	if len(filter) == 0 {
		rows, err = c.pool.Query(ctx, `
			SELECT context_id, count(*) FROM payment_channels
			WHERE NOT retired GROUP BY context_id
		`)
	} else {
		rows, err = c.pool.Query(ctx, `
			SELECT context_id, count(*) FROM payment_channels
			WHERE NOT retired AND context_id = ANY($1) GROUP BY context_id
		`, toByteSlices(filter))
	}
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.ActiveAllocations", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var contextID []byte
		var count int
		if err := rows.Scan(&contextID, &count); err != nil {
			return nil, gpperrors.Storage("ChannelCache.ActiveAllocations", err)
		}
		out[gpptypes.Destination(contextID).String()] = count
	}
	return out, rows.Err()
}

// ActiveChannels returns the non-retired channel ids for contextID.
func (c *PostgresCache) ActiveChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT channel_id FROM payment_channels WHERE context_id = $1 AND NOT retired
	`, []byte(contextID))
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.ActiveChannels", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ClosableChannels returns retired channel ids grouped by allocation.
func (c *PostgresCache) ClosableChannels(ctx context.Context) (map[string][]gpptypes.Destination, error) {
	rows, err := c.pool.Query(ctx, `SELECT context_id, channel_id FROM payment_channels WHERE retired`)
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.ClosableChannels", err)
	}
	defer rows.Close()

	out := make(map[string][]gpptypes.Destination)
	for rows.Next() {
		var contextID, channelID []byte
		if err := rows.Scan(&contextID, &channelID); err != nil {
			return nil, gpperrors.Storage("ChannelCache.ClosableChannels", err)
		}
		key := gpptypes.Destination(contextID).String()
		out[key] = append(out[key], gpptypes.Destination(channelID))
	}
	return out, rows.Err()
}

// ReadyingChannels returns channel ids stuck at turnNum == 0 and not
// retired for contextID.
func (c *PostgresCache) ReadyingChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT channel_id FROM payment_channels
		WHERE context_id = $1 AND turn_num = 0 AND NOT retired
	`, []byte(contextID))
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.ReadyingChannels", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StalledChannels returns channel ids where turnNum is even, not retired,
// and updatedAt <= now - minAge, randomly ordered when limit > 0 to avoid
// permanent starvation of any one channel.
func (c *PostgresCache) StalledChannels(ctx context.Context, minAge time.Duration, limit int, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	threshold := time.Now().Add(-minAge)

	query := `
		SELECT channel_id FROM payment_channels
		WHERE turn_num % 2 = 0 AND NOT retired AND updated_at <= $1
	`
	args := []interface{}{threshold}
	argN := 2
	if len(contextID) > 0 {
		query += " AND context_id = $2"
		args = append(args, []byte(contextID))
		argN++
	}
	if limit > 0 {
		query += fmt.Sprintf(" ORDER BY random() LIMIT $%d", argN)
		args = append(args, limit)
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.StalledChannels", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// InsertLedgerChannel records a new ledger channel row.
func (c *PostgresCache) InsertLedgerChannel(ctx context.Context, contextID, channelID gpptypes.Destination, initialOutcome []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO ledger_channels (channel_id, context_id, initial_outcome)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO NOTHING
	`, []byte(channelID), []byte(contextID), initialOutcome)
	if err != nil {
		return gpperrors.Storage("ChannelCache.InsertLedgerChannel", err)
	}
	return nil
}

// GetLedgerChannels returns every ledger channel row for contextID.
func (c *PostgresCache) GetLedgerChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.LedgerChannel, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT channel_id, context_id, initial_outcome FROM ledger_channels WHERE context_id = $1
	`, []byte(contextID))
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.GetLedgerChannels", err)
	}
	defer rows.Close()

	var out []gpptypes.LedgerChannel
	for rows.Next() {
		var channelID, ctxID, outcome []byte
		if err := rows.Scan(&channelID, &ctxID, &outcome); err != nil {
			return nil, gpperrors.Storage("ChannelCache.GetLedgerChannels", err)
		}
		out = append(out, gpptypes.LedgerChannel{
			ChannelID:      gpptypes.Destination(channelID),
			ContextID:      gpptypes.Destination(ctxID),
			InitialOutcome: outcome,
		})
	}
	return out, rows.Err()
}

// RemoveLedgerChannels deletes the given ledger channel rows.
func (c *PostgresCache) RemoveLedgerChannels(ctx context.Context, ids []gpptypes.Destination) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.pool.Exec(ctx, `DELETE FROM ledger_channels WHERE channel_id = ANY($1)`, toByteSlices(ids))
	if err != nil {
		return gpperrors.Storage("ChannelCache.RemoveLedgerChannels", err)
	}
	return nil
}

// AcquireChannel implements the lease protocol from spec.md §4.1: a
// skip-locked selection picks one eligible row, hands it to critical, and
// conditionally writes the result back, all inside a single transaction so
// a crashed holder releases the lock on connection/transaction teardown
// rather than leaving a zombie lock.
func (c *PostgresCache) AcquireChannel(ctx context.Context, contextID gpptypes.Destination, critical Critical) (interface{}, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, gpperrors.Storage("ChannelCache.AcquireChannel", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT channel_id, context_id, turn_num, payer_bal, receiver_bal, app_data, outcome, retired, updated_at
		FROM payment_channels
		WHERE context_id = $1 AND turn_num % 2 = 1 AND NOT retired
		ORDER BY random()
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, []byte(contextID))

	snapshot, err := scanChannel(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			log.Debugf("no free channel for context %s", contextID)
			return nil, gpperrors.NoFreeChannels("ChannelCache.AcquireChannel", contextID.String())
		}
		return nil, gpperrors.Storage("ChannelCache.AcquireChannel", err)
	}

	updated, result, critErr := critical(snapshot)
	if critErr != nil {
		return nil, critErr
	}

	if updated != nil && !snapshot.Retired {
		_, err := tx.Exec(ctx, `
			UPDATE payment_channels
			SET turn_num = $2, payer_bal = $3, receiver_bal = $4, app_data = $5, outcome = $6, updated_at = now()
			WHERE channel_id = $1 AND NOT retired
		`, []byte(updated.ChannelID), updated.TurnNum, amountStr(updated.PayerBal), amountStr(updated.ReceiverBal), updated.AppData, updated.Outcome)
		if err != nil {
			return nil, gpperrors.Storage("ChannelCache.AcquireChannel", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, gpperrors.Storage("ChannelCache.AcquireChannel", err)
	}
	committed = true

	return result, nil
}

// SubmitReceipt writes a peer-returned channel result back into the cache.
// Rejects any result whose turnNum is odd and nonzero, since that would
// overwrite a row mid-lease (P8).
func (c *PostgresCache) SubmitReceipt(ctx context.Context, result gpptypes.ChannelResult) (*gpptypes.PaymentChannel, error) {
	if result.TurnNum%2 == 1 && result.TurnNum != 0 {
		return nil, gpperrors.Validation("ChannelCache.SubmitReceipt", errOurTurnReceipt)
	}

	row := c.pool.QueryRow(ctx, `
		UPDATE payment_channels
		SET turn_num = $2, payer_bal = $3, receiver_bal = $4, app_data = $5, outcome = $6, updated_at = now()
		WHERE channel_id = $1
		RETURNING channel_id, context_id, turn_num, payer_bal, receiver_bal, app_data, outcome, retired, updated_at
	`, []byte(result.ChannelID), result.TurnNum, amountStr(result.PayerBal), amountStr(result.ReceiverBal), result.AppData, result.Outcome)

	snapshot, err := scanChannel(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, gpperrors.Storage("ChannelCache.SubmitReceipt", errChannelNotFound)
		}
		return nil, gpperrors.Storage("ChannelCache.SubmitReceipt", err)
	}
	return snapshot, nil
}

// --- helpers ---

func scanChannel(row pgx.Row) (*gpptypes.PaymentChannel, error) {
	var (
		channelID, contextID, appData, outcome []byte
		turnNum                                uint64
		payerBal, receiverBal                  string
		retired                                bool
		updatedAt                               time.Time
	)
	if err := row.Scan(&channelID, &contextID, &turnNum, &payerBal, &receiverBal, &appData, &outcome, &retired, &updatedAt); err != nil {
		return nil, err
	}
	pb, ok1 := new(big.Int).SetString(payerBal, 10)
	rb, ok2 := new(big.Int).SetString(receiverBal, 10)
	if !ok1 || !ok2 {
		return nil, errBadNumeric
	}
	return &gpptypes.PaymentChannel{
		ChannelID:   gpptypes.Destination(channelID),
		ContextID:   gpptypes.Destination(contextID),
		TurnNum:     turnNum,
		PayerBal:    pb,
		ReceiverBal: rb,
		AppData:     appData,
		Outcome:     outcome,
		Retired:     retired,
		UpdatedAt:   updatedAt,
	}, nil
}

func scanIDs(rows pgx.Rows) ([]gpptypes.Destination, error) {
	var out []gpptypes.Destination
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, gpptypes.Destination(id))
	}
	return out, rows.Err()
}

func toByteSlices(ids []gpptypes.Destination) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = []byte(id)
	}
	return out
}

func amountStr(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

