// postgres.go is the production Store backed by Postgres via lib/pq.
//
// Money columns are NUMERIC and scanned as strings into decimals; nothing in
// this file touches float64. ApplyExecutionReport runs read-check-write in a
// transaction with FOR UPDATE so concurrent report delivery for the same
// order serializes at the row.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on a database/sql pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the given DSN and verifies it
// with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema applies the embedded schema.sql. Dev convenience only;
// production migrations run out of band.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateAccount(ctx context.Context, acct *types.ExchangeAccount) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO exchange_accounts (user_id, display_name, kind, rest_base_url, market_stream_url, user_stream_url, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		acct.UserID, acct.DisplayName, acct.Kind, acct.RESTBaseURL,
		acct.MarketStreamURL, acct.UserStreamURL, acct.Active,
	).Scan(&acct.ID)
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (*types.ExchangeAccount, error) {
	var acct types.ExchangeAccount
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, kind, rest_base_url, market_stream_url, user_stream_url, active
		FROM exchange_accounts WHERE id = $1`, id,
	).Scan(&acct.ID, &acct.UserID, &acct.DisplayName, &acct.Kind,
		&acct.RESTBaseURL, &acct.MarketStreamURL, &acct.UserStreamURL, &acct.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bots
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateBot(ctx context.Context, bot *types.Bot) error {
	params, err := json.Marshal(bot.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO bots (user_id, exchange_account_id, name, strategy, symbol, direction, status, error_message, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		bot.UserID, bot.ExchangeAccountID, bot.Name, bot.Strategy, bot.Symbol,
		bot.Direction, bot.Status, bot.ErrorMessage, params, bot.CreatedAt,
	).Scan(&bot.ID)
}

const botColumns = `id, user_id, exchange_account_id, name, strategy, symbol, direction, status, error_message, params, created_at`

func scanBot(row interface{ Scan(...any) error }) (*types.Bot, error) {
	var bot types.Bot
	var params []byte
	err := row.Scan(&bot.ID, &bot.UserID, &bot.ExchangeAccountID, &bot.Name,
		&bot.Strategy, &bot.Symbol, &bot.Direction, &bot.Status,
		&bot.ErrorMessage, &params, &bot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &bot.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return &bot, nil
}

func (p *Postgres) GetBot(ctx context.Context, id int64) (*types.Bot, error) {
	return scanBot(p.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
}

func (p *Postgres) ListBots(ctx context.Context, userID int64) ([]*types.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots ORDER BY id`
	args := []any{}
	if userID != 0 {
		query = `SELECT ` + botColumns + ` FROM bots WHERE user_id = $1 ORDER BY id`
		args = append(args, userID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateBotStatus(ctx context.Context, id int64, status types.BotStatus, errMsg string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bots SET status = $2, error_message = $3 WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *Postgres) DeleteBot(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ————————————————————————————————————————————————————————————————————————
// Cycles
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateCycle(ctx context.Context, cycle *types.Cycle) error {
	if cycle.StartedAt.IsZero() {
		cycle.StartedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO cycles (bot_id, cycle_number, status, started_at, base_fill_price,
		                    average_entry_price, total_base_quantity, total_quote_invested,
		                    realized_profit, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		cycle.BotID, cycle.CycleNumber, cycle.Status, cycle.StartedAt,
		cycle.BaseFillPrice, cycle.AverageEntryPrice, cycle.TotalBaseQuantity,
		cycle.TotalQuoteInvest, cycle.RealizedProfit, cycle.FailureReason,
	).Scan(&cycle.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const cycleColumns = `id, bot_id, cycle_number, status, started_at, completed_at,
	base_fill_price, average_entry_price, total_base_quantity, total_quote_invested,
	realized_profit, failure_reason`

func scanCycle(row interface{ Scan(...any) error }) (*types.Cycle, error) {
	var c types.Cycle
	var completedAt sql.NullTime
	var baseFill, avgEntry, totalQty, totalQuote, profit string
	err := row.Scan(&c.ID, &c.BotID, &c.CycleNumber, &c.Status, &c.StartedAt,
		&completedAt, &baseFill, &avgEntry, &totalQty, &totalQuote, &profit, &c.FailureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	c.BaseFillPrice = mustNumeric(baseFill)
	c.AverageEntryPrice = mustNumeric(avgEntry)
	c.TotalBaseQuantity = mustNumeric(totalQty)
	c.TotalQuoteInvest = mustNumeric(totalQuote)
	c.RealizedProfit = mustNumeric(profit)
	return &c, nil
}

func (p *Postgres) GetCycle(ctx context.Context, id int64) (*types.Cycle, error) {
	return scanCycle(p.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = $1`, id))
}

func (p *Postgres) ActiveCycle(ctx context.Context, botID int64) (*types.Cycle, error) {
	return scanCycle(p.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE bot_id = $1 AND status = 'active'`, botID))
}

func (p *Postgres) ListCycles(ctx context.Context, botID int64) ([]*types.Cycle, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE bot_id = $1 ORDER BY cycle_number`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCycle(ctx context.Context, cycle *types.Cycle) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cycles SET status = $2, completed_at = $3, base_fill_price = $4,
		       average_entry_price = $5, total_base_quantity = $6,
		       total_quote_invested = $7, realized_profit = $8, failure_reason = $9
		WHERE id = $1`,
		cycle.ID, cycle.Status, nullTime(cycle.CompletedAt), cycle.BaseFillPrice,
		cycle.AverageEntryPrice, cycle.TotalBaseQuantity, cycle.TotalQuoteInvest,
		cycle.RealizedProfit, cycle.FailureReason)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateOrder(ctx context.Context, order *types.Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO cycle_orders (cycle_id, bot_id, role, side, type, symbol,
		       intended_price, intended_quantity, filled_price, filled_quantity,
		       filled_quote, status, exchange_order_id, client_order_id,
		       safety_index, fail_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		order.CycleID, order.BotID, order.Role, order.Side, order.Type, order.Symbol,
		order.IntendedPrice, order.IntendedQty, order.FilledPrice, order.FilledQty,
		order.FilledQuote, order.Status, order.ExchangeOrderID, order.ClientOrderID,
		order.SafetyIndex, order.FailReason, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const orderColumns = `id, cycle_id, bot_id, role, side, type, symbol,
	intended_price, intended_quantity, filled_price, filled_quantity, filled_quote,
	status, exchange_order_id, client_order_id, safety_index, fail_reason,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*types.Order, error) {
	var o types.Order
	var intendedPrice, intendedQty, filledPrice, filledQty, filledQuote string
	err := row.Scan(&o.ID, &o.CycleID, &o.BotID, &o.Role, &o.Side, &o.Type, &o.Symbol,
		&intendedPrice, &intendedQty, &filledPrice, &filledQty, &filledQuote,
		&o.Status, &o.ExchangeOrderID, &o.ClientOrderID, &o.SafetyIndex, &o.FailReason,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.IntendedPrice = mustNumeric(intendedPrice)
	o.IntendedQty = mustNumeric(intendedQty)
	o.FilledPrice = mustNumeric(filledPrice)
	o.FilledQty = mustNumeric(filledQty)
	o.FilledQuote = mustNumeric(filledQuote)
	return &o, nil
}

func (p *Postgres) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM cycle_orders WHERE client_order_id = $1`, clientOrderID))
}

func (p *Postgres) queryOrders(ctx context.Context, query string, args ...any) ([]*types.Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOrders(ctx context.Context, cycleID int64) ([]*types.Order, error) {
	return p.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM cycle_orders WHERE cycle_id = $1 ORDER BY id`, cycleID)
}

func (p *Postgres) ListOrdersForBot(ctx context.Context, botID int64) ([]*types.Order, error) {
	return p.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM cycle_orders WHERE bot_id = $1 ORDER BY id`, botID)
}

func (p *Postgres) OpenOrders(ctx context.Context, cycleID int64) ([]*types.Order, error) {
	return p.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM cycle_orders
		WHERE cycle_id = $1 AND status IN ('open', 'partially_filled', 'unknown')
		ORDER BY id`, cycleID)
}

func (p *Postgres) SetOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, reason string) (*types.Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM cycle_orders WHERE client_order_id = $1 FOR UPDATE`, clientOrderID))
	if err != nil {
		return nil, err
	}
	if !canTransition(order.Status, status) {
		return nil, ErrConflict
	}
	order.Status = status
	if reason != "" {
		order.FailReason = reason
	}
	order.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE cycle_orders SET status = $2, fail_reason = $3, updated_at = $4 WHERE client_order_id = $1`,
		clientOrderID, order.Status, order.FailReason, order.UpdatedAt); err != nil {
		return nil, err
	}
	return order, tx.Commit()
}

func (p *Postgres) ApplyExecutionReport(ctx context.Context, report types.ExecutionReport) (*types.Order, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM cycle_orders WHERE client_order_id = $1 FOR UPDATE`, report.ClientOrderID))
	if err != nil {
		return nil, false, err
	}

	updated, applied := applyReport(*order, report)
	if !applied {
		return order, false, tx.Commit()
	}
	updated.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycle_orders SET status = $2, exchange_order_id = $3,
		       filled_price = $4, filled_quantity = $5, filled_quote = $6, updated_at = $7
		WHERE client_order_id = $1`,
		report.ClientOrderID, updated.Status, updated.ExchangeOrderID,
		updated.FilledPrice, updated.FilledQty, updated.FilledQuote, updated.UpdatedAt); err != nil {
		return nil, false, err
	}
	return &updated, true, tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Archive and stats
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) ArchiveBot(ctx context.Context, botID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []string{
		`INSERT INTO cycles_archive SELECT * FROM cycles WHERE bot_id = $1`,
		`INSERT INTO cycle_orders_archive SELECT * FROM cycle_orders WHERE bot_id = $1`,
		`DELETE FROM cycle_orders WHERE bot_id = $1`,
		`DELETE FROM cycles WHERE bot_id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, botID); err != nil {
			return fmt.Errorf("archive bot %d: %w", botID, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) BotStats(ctx context.Context, botID int64) (*BotStats, error) {
	stats := &BotStats{BotID: botID, TotalProfit: decimal.Zero}
	var total string
	var last sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'),
		       COALESCE(SUM(realized_profit) FILTER (WHERE status = 'completed'), 0),
		       MAX(completed_at)
		FROM cycles WHERE bot_id = $1`, botID,
	).Scan(&stats.CompletedCycles, &total, &last)
	if err != nil {
		return nil, err
	}
	stats.TotalProfit = mustNumeric(total)
	if last.Valid {
		t := last.Time
		stats.LastCompletedAt = &t
	}

	var activeID sql.NullInt64
	err = p.db.QueryRowContext(ctx,
		`SELECT id FROM cycles WHERE bot_id = $1 AND status = 'active'`, botID).Scan(&activeID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if activeID.Valid {
		stats.ActiveCycleID = activeID.Int64
	}
	return stats, nil
}

func (p *Postgres) CycleProfits(ctx context.Context, botID int64) ([]CycleProfit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, bot_id, cycle_number, realized_profit, completed_at
		FROM cycles WHERE bot_id = $1 AND status = 'completed'
		ORDER BY cycle_number`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleProfit
	for rows.Next() {
		var cp CycleProfit
		var profit string
		if err := rows.Scan(&cp.CycleID, &cp.BotID, &cp.CycleNumber, &profit, &cp.CompletedAt); err != nil {
			return nil, err
		}
		cp.Profit = mustNumeric(profit)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// mustNumeric parses a NUMERIC column scanned as text. The database enforces
// the type, so a parse failure here means data corruption; zero is returned
// and callers will surface the inconsistency downstream.
func mustNumeric(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// isUniqueViolation matches Postgres error code 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*Postgres)(nil)
