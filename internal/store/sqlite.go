// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based ledger.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// WithClock replaces the time source used for created/updated stamps.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Clients and the terminal VM serving each of them
	CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		public_ip TEXT NOT NULL DEFAULT '',
		private_ip TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	-- One row per submission attempt of a leg
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id TEXT NOT NULL,
		client_id INTEGER NOT NULL REFERENCES clients(id),
		base_symbol TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		execution TEXT NOT NULL,
		volume_requested TEXT NOT NULL,
		price_requested TEXT,
		take_profit TEXT,
		apply_tp_after_exec BOOLEAN NOT NULL DEFAULT 0,
		account_login TEXT NOT NULL DEFAULT '',
		order_ticket INTEGER NOT NULL DEFAULT 0,
		position_ticket INTEGER NOT NULL DEFAULT 0,
		retcode INTEGER,
		response TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		position_id INTEGER REFERENCES positions(id) ON DELETE SET NULL,
		comment TEXT NOT NULL DEFAULT '',
		volume_executed TEXT NOT NULL DEFAULT '0',
		price_average TEXT,
		match_source TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Broker fills, keyed by the broker's deal ticket
	CREATE TABLE IF NOT EXISTS deals (
		deal_ticket INTEGER PRIMARY KEY,
		client_id INTEGER NOT NULL,
		order_ticket INTEGER NOT NULL DEFAULT 0,
		position_ticket INTEGER NOT NULL DEFAULT 0,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type INTEGER NOT NULL,
		entry INTEGER,
		volume TEXT NOT NULL,
		price TEXT NOT NULL,
		commission TEXT NOT NULL DEFAULT '0',
		swap TEXT NOT NULL DEFAULT '0',
		profit TEXT NOT NULL DEFAULT '0',
		time DATETIME NOT NULL,
		magic INTEGER NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		ingested_at DATETIME NOT NULL
	);

	-- Consolidated holdings
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id),
		instrument TEXT NOT NULL,
		open_date DATETIME NOT NULL,
		unit_cost TEXT NOT NULL,
		quantity TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		target_price TEXT,
		close_date DATETIME,
		exit_price TEXT,
		total_proceeds TEXT,
		placeholder BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Broker symbol lines of a position
	CREATE TABLE IF NOT EXISTS legs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		position_ticket INTEGER NOT NULL DEFAULT 0,
		volume TEXT NOT NULL,
		price_open TEXT NOT NULL,
		order_ticket INTEGER NOT NULL DEFAULT 0,
		deal_tickets TEXT NOT NULL DEFAULT '[]',
		stop_adjusted BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(position_id, symbol)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_group ON orders(client_id, group_id);
	CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);
	CREATE INDEX IF NOT EXISTS idx_deals_client_time ON deals(client_id, time);
	CREATE INDEX IF NOT EXISTS idx_deals_order ON deals(order_ticket);
	CREATE INDEX IF NOT EXISTS idx_positions_client_open ON positions(client_id, close_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Clients
// ============================================================================

// CreateClient registers a client.
func (s *SQLiteStore) CreateClient(ctx context.Context, client *models.Client) error {
	client.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (name, public_ip, private_ip, created_at) VALUES (?, ?, ?, ?)
	`, client.Name, client.PublicIP, client.PrivateIP, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	client.ID, err = res.LastInsertId()
	return err
}

// GetClient returns a client by ID.
func (s *SQLiteStore) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	var c models.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, public_ip, private_ip, created_at FROM clients WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.PublicIP, &c.PrivateIP, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client %d: %w", id, apperrors.ErrClientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

// ListClients returns all clients ordered by ID.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]models.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, public_ip, private_ip, created_at FROM clients ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client
	for rows.Next() {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.PublicIP, &c.PrivateIP, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// ============================================================================
// Orders
// ============================================================================

const orderColumns = `id, group_id, client_id, base_symbol, symbol, side, execution,
	volume_requested, price_requested, take_profit, apply_tp_after_exec, account_login,
	order_ticket, position_ticket, retcode, response, status, position_id, comment,
	volume_executed, price_average, match_source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var retcode, positionID sql.NullInt64
	err := row.Scan(&o.ID, &o.GroupID, &o.ClientID, &o.BaseSymbol, &o.Symbol, &o.Side, &o.Execution,
		&o.VolumeRequested, &o.PriceRequested, &o.TakeProfit, &o.ApplyTPAfterExec, &o.AccountLogin,
		&o.OrderTicket, &o.PositionTicket, &retcode, &o.Response, &o.Status, &positionID, &o.Comment,
		&o.VolumeExecuted, &o.PriceAverage, &o.MatchSource, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if retcode.Valid {
		rc := int(retcode.Int64)
		o.Retcode = &rc
	}
	if positionID.Valid {
		id := positionID.Int64
		o.PositionID = &id
	}
	return o, nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CreateOrder records one submission attempt.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *models.Order) error {
	now := s.now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	var retcode interface{}
	if o.Retcode != nil {
		retcode = *o.Retcode
	}
	var positionID interface{}
	if o.PositionID != nil {
		positionID = *o.PositionID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (group_id, client_id, base_symbol, symbol, side, execution,
			volume_requested, price_requested, take_profit, apply_tp_after_exec, account_login,
			order_ticket, position_ticket, retcode, response, status, position_id, comment,
			volume_executed, price_average, match_source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.GroupID, o.ClientID, o.BaseSymbol, o.Symbol, o.Side, o.Execution,
		o.VolumeRequested, o.PriceRequested, o.TakeProfit, o.ApplyTPAfterExec, o.AccountLogin,
		o.OrderTicket, o.PositionTicket, retcode, o.Response, o.Status, positionID, o.Comment,
		o.VolumeExecuted, o.PriceAverage, o.MatchSource, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// GetGroupOrders returns the orders of a group, oldest first.
func (s *SQLiteStore) GetGroupOrders(ctx context.Context, clientID int64, groupID string) ([]models.Order, error) {
	orders, err := s.queryOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE client_id = ? AND group_id = ? ORDER BY id", clientID, groupID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("group %s: %w", groupID, apperrors.ErrGroupNotFound)
	}
	return orders, nil
}

// GetPositionOrders returns the orders correlated with a position.
func (s *SQLiteStore) GetPositionOrders(ctx context.Context, positionID int64) ([]models.Order, error) {
	return s.queryOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE position_id = ? ORDER BY id", positionID)
}

// ListOrders returns orders matching a filter, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.ClientID > 0 {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, filter.GroupID)
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, filter.Side)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryOrders(ctx, query, args...)
}

// UpdateOrderProgress writes the reconciler's view of an order. Rows already
// executed or rejected are left untouched; the boolean reports whether a row
// changed.
func (s *SQLiteStore) UpdateOrderProgress(ctx context.Context, o *models.Order) (bool, error) {
	o.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, volume_executed = ?, price_average = ?, match_source = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('executed', 'rejected')
	`, o.Status, o.VolumeExecuted, o.PriceAverage, o.MatchSource, o.UpdatedAt, o.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update order %d: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ============================================================================
// Deals
// ============================================================================

// UpsertDeals ingests deals keyed by deal ticket. Existing tickets are left
// untouched. It returns how many deals were new.
func (s *SQLiteStore) UpsertDeals(ctx context.Context, deals []models.Deal) (int, error) {
	if len(deals) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deals (deal_ticket, client_id, order_ticket, position_ticket, symbol, side, type, entry,
			volume, price, commission, swap, profit, time, magic, comment, raw, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deal_ticket) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	inserted := 0
	for _, d := range deals {
		if d.Ticket <= 0 {
			continue
		}
		var entry interface{}
		if d.Entry != nil {
			entry = *d.Entry
		}
		res, err := stmt.ExecContext(ctx, d.Ticket, d.ClientID, d.OrderTicket, d.PositionTicket, d.Symbol, d.Side, d.Type, entry,
			d.Volume, d.Price, d.Commission, d.Swap, d.Profit, d.Time.UTC(), d.Magic, d.Comment, d.Raw, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert deal %d: %w", d.Ticket, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

const dealColumns = `deal_ticket, client_id, order_ticket, position_ticket, symbol, side, type, entry,
	volume, price, commission, swap, profit, time, magic, comment, raw`

func scanDeal(row rowScanner) (models.Deal, error) {
	var d models.Deal
	var entry sql.NullInt64
	err := row.Scan(&d.Ticket, &d.ClientID, &d.OrderTicket, &d.PositionTicket, &d.Symbol, &d.Side, &d.Type, &entry,
		&d.Volume, &d.Price, &d.Commission, &d.Swap, &d.Profit, &d.Time, &d.Magic, &d.Comment, &d.Raw)
	if err != nil {
		return d, err
	}
	if entry.Valid {
		e := int(entry.Int64)
		d.Entry = &e
	}
	return d, nil
}

// GetDeal returns a deal by ticket, or nil when unknown.
func (s *SQLiteStore) GetDeal(ctx context.Context, ticket int64) (*models.Deal, error) {
	d, err := scanDeal(s.db.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE deal_ticket = ?", ticket))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deal: %w", err)
	}
	return &d, nil
}

// ListDeals returns deals matching a filter in time order.
func (s *SQLiteStore) ListDeals(ctx context.Context, filter DealFilter) ([]models.Deal, error) {
	query := "SELECT " + dealColumns + " FROM deals WHERE 1=1"
	args := []interface{}{}

	if filter.ClientID > 0 {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.OrderTicket > 0 {
		query += " AND order_ticket = ?"
		args = append(args, filter.OrderTicket)
	}
	if !filter.From.IsZero() {
		query += " AND time >= ?"
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += " AND time <= ?"
		args = append(args, filter.To.UTC())
	}
	query += " ORDER BY time, deal_ticket"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = `id, client_id, instrument, open_date, unit_cost, quantity, total_cost, target_price,
	close_date, exit_price, total_proceeds, placeholder, created_at, updated_at`

func scanPosition(row rowScanner) (models.Position, error) {
	var p models.Position
	var closeDate sql.NullTime
	err := row.Scan(&p.ID, &p.ClientID, &p.Instrument, &p.OpenDate, &p.UnitCost, &p.Quantity, &p.TotalCost, &p.TargetPrice,
		&closeDate, &p.ExitPrice, &p.TotalProceeds, &p.Placeholder, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if closeDate.Valid {
		t := closeDate.Time
		p.CloseDate = &t
	}
	return p, nil
}

func insertPosition(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, p *models.Position) error {
	res, err := exec.ExecContext(ctx, `
		INSERT INTO positions (client_id, instrument, open_date, unit_cost, quantity, total_cost, target_price,
			placeholder, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ClientID, p.Instrument, p.OpenDate.UTC(), p.UnitCost, p.Quantity, p.TotalCost, p.TargetPrice,
		p.Placeholder, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// CreatePosition inserts a position.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p *models.Position) error {
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	return insertPosition(ctx, s.db, p)
}

// CreateGroupPosition inserts a position and links every unlinked order of the
// group to it, atomically. It returns false, writing nothing, when the group
// is already linked to a position.
func (s *SQLiteStore) CreateGroupPosition(ctx context.Context, groupID string, p *models.Position) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var linked int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE group_id = ? AND position_id IS NOT NULL
	`, groupID).Scan(&linked); err != nil {
		return false, fmt.Errorf("failed to check group link: %w", err)
	}
	if linked > 0 {
		return false, nil
	}

	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := insertPosition(ctx, tx, p); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET position_id = ?, updated_at = ? WHERE group_id = ? AND position_id IS NULL
	`, p.ID, now, groupID)
	if err != nil {
		return false, fmt.Errorf("failed to link group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetPosition returns a client's position.
func (s *SQLiteStore) GetPosition(ctx context.Context, clientID, id int64) (*models.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE id = ? AND client_id = ?", id, clientID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %d: %w", id, apperrors.ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// ListPositions returns positions matching a filter.
func (s *SQLiteStore) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []interface{}{}

	if filter.ClientID > 0 {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.OpenOnly {
		query += " AND close_date IS NULL"
	}
	if !filter.IncludePlaceholders {
		query += " AND placeholder = 0"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ConfirmPosition overwrites a placeholder with executed values, in place.
// It returns false when the position is no longer a placeholder.
func (s *SQLiteStore) ConfirmPosition(ctx context.Context, id int64, c PositionConfirmation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET open_date = ?, unit_cost = ?, quantity = ?, total_cost = ?, placeholder = 0, updated_at = ?
		WHERE id = ? AND placeholder = 1
	`, c.OpenDate.UTC(), c.UnitCost, c.Quantity, c.TotalCost, s.now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to confirm position %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeletePlaceholder removes an unconsummated placeholder and un-links its
// orders. Confirmed positions are never deleted.
func (s *SQLiteStore) DeletePlaceholder(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id = ? AND placeholder = 1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete placeholder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET position_id = NULL, updated_at = ? WHERE position_id = ?
	`, s.now().UTC(), id); err != nil {
		return false, fmt.Errorf("failed to unlink orders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ClosePosition sets the exit values exactly once. It returns false when the
// position was already closed.
func (s *SQLiteStore) ClosePosition(ctx context.Context, id int64, c PositionClosing) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET close_date = ?, exit_price = ?, total_proceeds = ?, updated_at = ?
		WHERE id = ? AND close_date IS NULL AND placeholder = 0
	`, c.CloseDate.UTC(), c.ExitPrice, c.TotalProceeds, s.now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to close position %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClientsWithOpenPositions returns the IDs of clients holding at least one
// open confirmed position.
func (s *SQLiteStore) ClientsWithOpenPositions(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT client_id FROM positions
		WHERE close_date IS NULL AND placeholder = 0
		ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ============================================================================
// Legs
// ============================================================================

// CreateLegIfAbsent inserts a leg unless one exists for (position, symbol).
func (s *SQLiteStore) CreateLegIfAbsent(ctx context.Context, leg *models.Leg) (bool, error) {
	tickets, err := json.Marshal(normalizeTickets(leg.DealTickets))
	if err != nil {
		return false, fmt.Errorf("failed to encode deal tickets: %w", err)
	}
	leg.CreatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO legs (position_id, symbol, position_ticket, volume, price_open, order_ticket, deal_tickets, stop_adjusted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id, symbol) DO NOTHING
	`, leg.PositionID, leg.Symbol, leg.PositionTicket, leg.Volume, leg.PriceOpen, leg.OrderTicket, string(tickets), leg.StopAdjusted, leg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create leg: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	leg.ID, err = res.LastInsertId()
	return true, err
}

// GetLegs returns the legs of a position.
func (s *SQLiteStore) GetLegs(ctx context.Context, positionID int64) ([]models.Leg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, symbol, position_ticket, volume, price_open, order_ticket, deal_tickets, stop_adjusted, created_at
		FROM legs WHERE position_id = ? ORDER BY id
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legs: %w", err)
	}
	defer rows.Close()

	var legs []models.Leg
	for rows.Next() {
		var l models.Leg
		var tickets string
		if err := rows.Scan(&l.ID, &l.PositionID, &l.Symbol, &l.PositionTicket, &l.Volume, &l.PriceOpen,
			&l.OrderTicket, &tickets, &l.StopAdjusted, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan leg: %w", err)
		}
		if l.DealTickets, err = decodeTickets(tickets); err != nil {
			return nil, fmt.Errorf("leg %d: %w", l.ID, err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

// MarkLegStopAdjusted records that the deferred take-profit was applied.
func (s *SQLiteStore) MarkLegStopAdjusted(ctx context.Context, legID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE legs SET stop_adjusted = 1 WHERE id = ?`, legID)
	if err != nil {
		return fmt.Errorf("failed to mark leg %d: %w", legID, err)
	}
	return nil
}

// AppendLegDealTickets adds audit deal tickets to a leg, without duplicates.
func (s *SQLiteStore) AppendLegDealTickets(ctx context.Context, legID int64, tickets []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT deal_tickets FROM legs WHERE id = ?`, legID).Scan(&current); err != nil {
		return fmt.Errorf("failed to read leg %d: %w", legID, err)
	}
	existing, err := decodeTickets(current)
	if err != nil {
		return fmt.Errorf("leg %d: %w", legID, err)
	}
	merged, err := json.Marshal(normalizeTickets(append(existing, tickets...)))
	if err != nil {
		return fmt.Errorf("failed to encode deal tickets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE legs SET deal_tickets = ? WHERE id = ?`, string(merged), legID); err != nil {
		return fmt.Errorf("failed to update leg %d: %w", legID, err)
	}
	return tx.Commit()
}

func decodeTickets(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var tickets []int64
	if err := json.Unmarshal([]byte(raw), &tickets); err != nil {
		return nil, fmt.Errorf("invalid deal tickets %q: %w", raw, err)
	}
	return tickets, nil
}

// normalizeTickets sorts and de-duplicates tickets, dropping zeros.
func normalizeTickets(tickets []int64) []int64 {
	seen := make(map[int64]bool, len(tickets))
	out := make([]int64, 0, len(tickets))
	for _, t := range tickets {
		if t > 0 && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ DataStore = (*SQLiteStore)(nil)
