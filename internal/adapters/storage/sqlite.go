package storage

// sqlite.go: persistencia del core en un único fichero SQLite.
//
// Estrategia:
//   - Contratos, apuestas y órdenes se guardan como JSON en una columna `data`,
//     con las columnas por las que se filtra (fase, contrato, abierta) aparte.
//   - Saldos y posiciones son columnas numéricas: UpdateUserBalance es un único
//     UPDATE condicional, así que dos procesos no pueden gastar dos veces.
//   - `seq` autoincremental conserva el orden de creación de apuestas y órdenes.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
    id           TEXT PRIMARY KEY,
    phase        TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    data         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    balance      REAL    NOT NULL DEFAULT 0,
    created_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
    user_id          TEXT NOT NULL,
    contract_id      TEXT NOT NULL,
    answer_id        TEXT NOT NULL DEFAULT '',
    total_shares_yes REAL NOT NULL DEFAULT 0,
    total_shares_no  REAL NOT NULL DEFAULT 0,
    invested         REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, contract_id, answer_id)
);

-- Apuestas ejecutadas: append-only
CREATE TABLE IF NOT EXISTS bets (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL,
    contract_id TEXT NOT NULL,
    data        TEXT NOT NULL
);

-- Órdenes límite: una fila por orden, upsert en cada fill/cancelación
CREATE TABLE IF NOT EXISTS limit_orders (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    contract_id TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    open        INTEGER NOT NULL,
    data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_points (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    contract_id TEXT NOT NULL,
    ts          INTEGER NOT NULL,
    prob_yes    REAL NOT NULL,
    prob_no     REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contracts_phase ON contracts(phase);
CREATE INDEX IF NOT EXISTS idx_metrics_contract ON metrics(contract_id);
CREATE INDEX IF NOT EXISTS idx_bets_contract ON bets(contract_id, seq);
CREATE INDEX IF NOT EXISTS idx_orders_contract ON limit_orders(contract_id, seq);
CREATE INDEX IF NOT EXISTS idx_orders_open ON limit_orders(open);
CREATE INDEX IF NOT EXISTS idx_prices_contract ON price_points(contract_id, seq);
`

// balanceDust absorbe el ruido de coma flotante al comparar saldos con cero.
const balanceDust = 1e-9

// SQLiteStore implementa ports.Store usando SQLite (pure Go, sin CGo).
type SQLiteStore struct {
	db             *sql.DB
	initialBalance float64
}

// NewSQLiteStore abre (o crea) la base de datos en la ruta dada y aplica el
// schema. Los usuarios nuevos arrancan con initialBalance.
func NewSQLiteStore(path string, initialBalance float64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, initialBalance: initialBalance}, nil
}

// --- contratos ---

// GetContract devuelve el contrato o domain.ErrNotFound.
func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM contracts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetContract: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetContract: query %s: %w", id, err)
	}
	var c domain.Contract
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("storage.GetContract: decode %s: %w", id, err)
	}
	return &c, nil
}

// SaveContract hace upsert del contrato completo.
func (s *SQLiteStore) SaveContract(ctx context.Context, c *domain.Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("storage.SaveContract: empty contract: %w", domain.ErrValidation)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage.SaveContract: encode %s: %w", c.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, phase, created_time, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			data  = excluded.data
	`, c.ID, string(c.Phase), c.CreatedTime.UnixNano(), string(data)); err != nil {
		return fmt.Errorf("storage.SaveContract: upsert %s: %w", c.ID, err)
	}
	return nil
}

// ListContracts devuelve los contratos de una fase (todos si phase es vacía)
// en orden de creación.
func (s *SQLiteStore) ListContracts(ctx context.Context, phase domain.Phase) ([]*domain.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM contracts
		WHERE ? = '' OR phase = ?
		ORDER BY created_time, id
	`, string(phase), string(phase))
	if err != nil {
		return nil, fmt.Errorf("storage.ListContracts: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Contract
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("storage.ListContracts: scan row: %w", err)
		}
		var c domain.Contract
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("storage.ListContracts: decode: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- usuarios ---

// GetOrCreateUser devuelve el usuario, creándolo con el saldo inicial.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("storage.GetOrCreateUser: empty id: %w", domain.ErrValidation)
	}
	if err := s.ensureUser(ctx, s.db, id); err != nil {
		return nil, fmt.Errorf("storage.GetOrCreateUser: %w", err)
	}
	return s.getUser(ctx, s.db, id)
}

// UpdateUserBalance suma delta al saldo en un único UPDATE condicional.
func (s *SQLiteStore) UpdateUserBalance(ctx context.Context, id string, delta float64) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("storage.UpdateUserBalance: empty id: %w", domain.ErrValidation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage.UpdateUserBalance: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(ctx, tx, id); err != nil {
		return nil, fmt.Errorf("storage.UpdateUserBalance: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = MAX(balance + ?, 0)
		WHERE id = ? AND balance + ? >= ?
	`, delta, id, delta, -balanceDust)
	if err != nil {
		return nil, fmt.Errorf("storage.UpdateUserBalance: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("storage.UpdateUserBalance: %s delta %.6f: %w", id, delta, domain.ErrInsufficientBalance)
	}
	u, err := s.getUser(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage.UpdateUserBalance: commit: %w", err)
	}
	return u, nil
}

// --- posiciones ---

// GetOrCreateMetric devuelve la posición, vacía si no existía.
func (s *SQLiteStore) GetOrCreateMetric(ctx context.Context, userID, contractID, answerID string) (*domain.Metric, error) {
	m := &domain.Metric{UserID: userID, ContractID: contractID, AnswerID: answerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_shares_yes, total_shares_no, invested FROM metrics
		WHERE user_id = ? AND contract_id = ? AND answer_id = ?
	`, userID, contractID, answerID).Scan(&m.TotalSharesYes, &m.TotalSharesNo, &m.Invested)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetOrCreateMetric: query %s: %w", m.Key(), err)
	}
	return m, nil
}

// UpdateMetric hace upsert de la posición.
func (s *SQLiteStore) UpdateMetric(ctx context.Context, m *domain.Metric) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (user_id, contract_id, answer_id, total_shares_yes, total_shares_no, invested)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, contract_id, answer_id) DO UPDATE SET
			total_shares_yes = excluded.total_shares_yes,
			total_shares_no  = excluded.total_shares_no,
			invested         = excluded.invested
	`, m.UserID, m.ContractID, m.AnswerID, m.TotalSharesYes, m.TotalSharesNo, m.Invested); err != nil {
		return fmt.Errorf("storage.UpdateMetric: upsert %s: %w", m.Key(), err)
	}
	return nil
}

// ListMetrics devuelve las posiciones de un contrato.
func (s *SQLiteStore) ListMetrics(ctx context.Context, contractID string) ([]*domain.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, answer_id, total_shares_yes, total_shares_no, invested
		FROM metrics WHERE contract_id = ?
		ORDER BY rowid
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListMetrics: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Metric
	for rows.Next() {
		m := &domain.Metric{ContractID: contractID}
		if err := rows.Scan(&m.UserID, &m.AnswerID, &m.TotalSharesYes, &m.TotalSharesNo, &m.Invested); err != nil {
			return nil, fmt.Errorf("storage.ListMetrics: scan row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- apuestas y precios ---

// AddBet añade una apuesta ejecutada.
func (s *SQLiteStore) AddBet(ctx context.Context, b *domain.Bet) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage.AddBet: encode %s: %w", b.ID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO bets (id, contract_id, data) VALUES (?, ?, ?)`,
		b.ID, b.ContractID, string(data),
	); err != nil {
		return fmt.Errorf("storage.AddBet: insert %s: %w", b.ID, err)
	}
	return nil
}

// GetBets devuelve las apuestas de un contrato en orden de inserción.
func (s *SQLiteStore) GetBets(ctx context.Context, contractID string) ([]*domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM bets WHERE contract_id = ? ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetBets: query: %w", err)
	}
	return scanBets(rows, "storage.GetBets")
}

// AddPricePoint añade un punto y recorta la serie a domain.MaxPriceHistory.
func (s *SQLiteStore) AddPricePoint(ctx context.Context, contractID string, pt domain.PricePoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.AddPricePoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_points (contract_id, ts, prob_yes, prob_no) VALUES (?, ?, ?, ?)`,
		contractID, pt.Timestamp.UnixNano(), pt.ProbYes, pt.ProbNo,
	); err != nil {
		return fmt.Errorf("storage.AddPricePoint: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM price_points
		WHERE contract_id = ? AND seq NOT IN (
			SELECT seq FROM price_points WHERE contract_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, contractID, contractID, domain.MaxPriceHistory); err != nil {
		return fmt.Errorf("storage.AddPricePoint: trim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.AddPricePoint: commit: %w", err)
	}
	return nil
}

// PriceHistory devuelve la serie de precios persistida, de más antigua a más reciente.
func (s *SQLiteStore) PriceHistory(ctx context.Context, contractID string) ([]domain.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, prob_yes, prob_no FROM price_points WHERE contract_id = ? ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("storage.PriceHistory: query: %w", err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		var ts int64
		var pt domain.PricePoint
		if err := rows.Scan(&ts, &pt.ProbYes, &pt.ProbNo); err != nil {
			return nil, fmt.Errorf("storage.PriceHistory: scan row: %w", err)
		}
		pt.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, pt)
	}
	return out, rows.Err()
}

// --- órdenes límite ---

// SaveLimitOrder hace upsert de la orden por ID.
func (s *SQLiteStore) SaveLimitOrder(ctx context.Context, o *domain.Bet) error {
	if o == nil || o.ID == "" || !o.IsLimitOrder() {
		return fmt.Errorf("storage.SaveLimitOrder: not a limit order: %w", domain.ErrValidation)
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("storage.SaveLimitOrder: encode %s: %w", o.ID, err)
	}
	open := 0
	if o.IsOpen() {
		open = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_orders (id, contract_id, user_id, open, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			open = excluded.open,
			data = excluded.data
	`, o.ID, o.ContractID, o.UserID, open, string(data)); err != nil {
		return fmt.Errorf("storage.SaveLimitOrder: upsert %s: %w", o.ID, err)
	}
	return nil
}

// GetLimitOrders devuelve las órdenes de un contrato en orden de creación.
func (s *SQLiteStore) GetLimitOrders(ctx context.Context, contractID string) ([]*domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM limit_orders WHERE contract_id = ? ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetLimitOrders: query: %w", err)
	}
	return scanBets(rows, "storage.GetLimitOrders")
}

// FindLimitOrder busca una orden por ID.
func (s *SQLiteStore) FindLimitOrder(ctx context.Context, orderID string) (*domain.Bet, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM limit_orders WHERE id = ?`, orderID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.FindLimitOrder: %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.FindLimitOrder: query %s: %w", orderID, err)
	}
	var o domain.Bet
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("storage.FindLimitOrder: decode %s: %w", orderID, err)
	}
	return &o, nil
}

// ListOpenLimitOrders devuelve las órdenes abiertas de todos los contratos.
func (s *SQLiteStore) ListOpenLimitOrders(ctx context.Context) ([]*domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM limit_orders WHERE open = 1 ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenLimitOrders: query: %w", err)
	}
	return scanBets(rows, "storage.ListOpenLimitOrders")
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// execQuerier es la parte común de *sql.DB y *sql.Tx que usan los helpers.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) ensureUser(ctx context.Context, q execQuerier, id string) error {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, balance, created_time) VALUES (?, ?, ?)`,
		id, s.initialBalance, time.Now().UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("insert user %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) getUser(ctx context.Context, q execQuerier, id string) (*domain.User, error) {
	u := &domain.User{ID: id}
	var created int64
	if err := q.QueryRowContext(ctx,
		`SELECT balance, created_time FROM users WHERE id = ?`, id,
	).Scan(&u.Balance, &created); err != nil {
		return nil, fmt.Errorf("storage: get user %s: %w", id, err)
	}
	u.CreatedTime = time.Unix(0, created).UTC()
	return u, nil
}

// scanBets decodifica filas con una única columna `data` y las cierra.
func scanBets(rows *sql.Rows, op string) ([]*domain.Bet, error) {
	defer rows.Close()
	var out []*domain.Bet
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", op, err)
		}
		var b domain.Bet
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", op, err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
