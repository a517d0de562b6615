package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/mchcare/internal/model"
)

type VaccineStore struct {
	db     *sql.DB
	events *Events
}

func NewVaccineStore(db *sql.DB, events *Events) *VaccineStore {
	return &VaccineStore{db: db, events: events}
}

func scanVaccine(scanner interface{ Scan(...any) error }) (*model.Vaccine, error) {
	var v model.Vaccine
	var expiry sql.NullTime
	err := scanner.Scan(&v.ID, &v.Name, &v.Manufacturer, &v.DosesRequired, &v.StockQuantity, &expiry, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.ExpiryDate = timePtr(expiry)
	return &v, nil
}

func scanStockTransaction(scanner interface{ Scan(...any) error }) (*model.StockTransaction, error) {
	var tx model.StockTransaction
	err := scanner.Scan(&tx.ID, &tx.VaccineID, &tx.Kind, &tx.Quantity, &tx.Note, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

const (
	vaccineCols          = `id, name, manufacturer, doses_required, stock_quantity, expiry_date, created_at, updated_at`
	stockTransactionCols = `id, vaccine_id, kind, quantity, note, created_at`
)

// Create inserts a vaccine with its opening stock. Later stock changes go
// through RecordTransaction.
func (s *VaccineStore) Create(v model.Vaccine) (*model.Vaccine, error) {
	if v.DosesRequired == 0 {
		v.DosesRequired = 1
	}
	result, err := s.db.Exec(
		`INSERT INTO vaccines (name, manufacturer, doses_required, stock_quantity, expiry_date) VALUES (?, ?, ?, ?, ?)`,
		v.Name, v.Manufacturer, v.DosesRequired, v.StockQuantity, nullTime(v.ExpiryDate),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert vaccine %q: %w", v.Name, ErrConflict)
		}
		return nil, fmt.Errorf("insert vaccine: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityVaccines, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *VaccineStore) GetByID(id int64) (*model.Vaccine, error) {
	row := s.db.QueryRow(`SELECT `+vaccineCols+` FROM vaccines WHERE id = ?`, id)
	v, err := scanVaccine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vaccine: %w", err)
	}
	return v, nil
}

// Update changes descriptive fields only; stock_quantity is left alone.
func (s *VaccineStore) Update(id int64, v model.Vaccine) (bool, error) {
	if v.DosesRequired == 0 {
		v.DosesRequired = 1
	}
	result, err := s.db.Exec(
		`UPDATE vaccines SET name = ?, manufacturer = ?, doses_required = ?, expiry_date = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		v.Name, v.Manufacturer, v.DosesRequired, nullTime(v.ExpiryDate), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("update vaccine %d: %w", id, ErrConflict)
		}
		return false, fmt.Errorf("update vaccine: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityVaccines, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *VaccineStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM vaccines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete vaccine: %w", err)
	}
	s.events.Publish(Change{Entity: EntityVaccines, Action: ActionDeleted, ID: id})
	return nil
}

func (s *VaccineStore) Paginate(page, pageSize int) (Page[model.Vaccine], error) {
	return paginate(s.db, scanVaccine, "vaccines", vaccineCols, page, pageSize)
}

func (s *VaccineStore) Search(q string, limit int) ([]model.Vaccine, error) {
	_, limit = clampPage(1, limit)
	pattern := likePattern(q)
	vaccines, err := queryList(s.db, scanVaccine,
		`SELECT `+vaccineCols+` FROM vaccines
		 WHERE name LIKE ? ESCAPE '\' OR manufacturer LIKE ? ESCAPE '\'
		 ORDER BY name, id LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search vaccines: %w", err)
	}
	return vaccines, nil
}

// ListLowStock returns vaccines whose stock is at or below threshold.
func (s *VaccineStore) ListLowStock(threshold int) ([]model.Vaccine, error) {
	vaccines, err := queryList(s.db, scanVaccine,
		`SELECT `+vaccineCols+` FROM vaccines WHERE stock_quantity <= ? ORDER BY stock_quantity, name`, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("list low stock vaccines: %w", err)
	}
	return vaccines, nil
}

func (s *VaccineStore) CountLowStock(threshold int) (int64, error) {
	n, err := count(s.db, `SELECT COUNT(*) FROM vaccines WHERE stock_quantity <= ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("count low stock vaccines: %w", err)
	}
	return n, nil
}

// RecordTransaction logs a stock movement and adjusts the vaccine's stock in
// the same transaction. An outgoing movement larger than the current stock
// returns ErrInsufficientStock and changes nothing.
func (s *VaccineStore) RecordTransaction(vaccineID int64, kind string, quantity int, note string) (*model.StockTransaction, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("record stock transaction: quantity must be positive, got %d", quantity)
	}
	delta := quantity
	switch kind {
	case model.StockIn:
	case model.StockOut:
		delta = -quantity
	default:
		return nil, fmt.Errorf("record stock transaction: unknown kind %q", kind)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin stock transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE vaccines SET stock_quantity = stock_quantity + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND stock_quantity + ? >= 0`,
		delta, vaccineID, delta,
	)
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}
	ok, err := rowsChanged(result)
	if err != nil {
		return nil, err
	}
	if !ok {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM vaccines WHERE id = ?`, vaccineID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("record stock transaction: vaccine %d not found", vaccineID)
		}
		if err != nil {
			return nil, fmt.Errorf("check vaccine: %w", err)
		}
		return nil, fmt.Errorf("vaccine %d: %w", vaccineID, ErrInsufficientStock)
	}

	res, err := tx.Exec(
		`INSERT INTO stock_transactions (vaccine_id, kind, quantity, note) VALUES (?, ?, ?, ?)`,
		vaccineID, kind, quantity, note,
	)
	if err != nil {
		return nil, fmt.Errorf("insert stock transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	st, err := scanStockTransaction(tx.QueryRow(`SELECT `+stockTransactionCols+` FROM stock_transactions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get stock transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stock transaction: %w", err)
	}

	s.events.Publish(Change{Entity: EntityStockTransactions, Action: ActionCreated, ID: id})
	s.events.Publish(Change{Entity: EntityVaccines, Action: ActionUpdated, ID: vaccineID})
	return st, nil
}

func (s *VaccineStore) ListTransactions(vaccineID int64) ([]model.StockTransaction, error) {
	txs, err := queryList(s.db, scanStockTransaction,
		`SELECT `+stockTransactionCols+` FROM stock_transactions WHERE vaccine_id = ? ORDER BY created_at DESC, id DESC`, vaccineID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stock transactions: %w", err)
	}
	return txs, nil
}
