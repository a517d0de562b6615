package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/mchcare/internal/model"
)

type ChildStore struct {
	db     *sql.DB
	events *Events
}

func NewChildStore(db *sql.DB, events *Events) *ChildStore {
	return &ChildStore{db: db, events: events}
}

func scanChild(scanner interface{ Scan(...any) error }) (*model.ChildRecord, error) {
	var c model.ChildRecord
	var mother sql.NullInt64
	var weight sql.NullFloat64
	err := scanner.Scan(&c.ID, &mother, &c.FirstName, &c.LastName, &c.DateOfBirth, &c.Sex, &weight, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.MotherID = intPtr(mother)
	c.BirthWeightKg = floatPtr(weight)
	return &c, nil
}

const childCols = `id, mother_id, first_name, last_name, date_of_birth, sex, birth_weight_kg, created_at, updated_at`

func (s *ChildStore) Create(c model.ChildRecord) (*model.ChildRecord, error) {
	result, err := s.db.Exec(
		`INSERT INTO child_records (mother_id, first_name, last_name, date_of_birth, sex, birth_weight_kg)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullInt(c.MotherID), c.FirstName, c.LastName, c.DateOfBirth.UTC(), c.Sex, nullFloat(c.BirthWeightKg),
	)
	if err != nil {
		return nil, fmt.Errorf("insert child record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityChildRecords, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *ChildStore) GetByID(id int64) (*model.ChildRecord, error) {
	row := s.db.QueryRow(`SELECT `+childCols+` FROM child_records WHERE id = ?`, id)
	c, err := scanChild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get child record: %w", err)
	}
	return c, nil
}

func (s *ChildStore) Update(id int64, c model.ChildRecord) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE child_records SET mother_id = ?, first_name = ?, last_name = ?, date_of_birth = ?, sex = ?,
		 birth_weight_kg = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullInt(c.MotherID), c.FirstName, c.LastName, c.DateOfBirth.UTC(), c.Sex, nullFloat(c.BirthWeightKg), id,
	)
	if err != nil {
		return false, fmt.Errorf("update child record: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityChildRecords, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *ChildStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM child_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete child record: %w", err)
	}
	s.events.Publish(Change{Entity: EntityChildRecords, Action: ActionDeleted, ID: id})
	return nil
}

func (s *ChildStore) Paginate(page, pageSize int) (Page[model.ChildRecord], error) {
	return paginate(s.db, scanChild, "child_records", childCols, page, pageSize)
}

func (s *ChildStore) Search(q string, limit int) ([]model.ChildRecord, error) {
	_, limit = clampPage(1, limit)
	pattern := likePattern(q)
	children, err := queryList(s.db, scanChild,
		`SELECT `+childCols+` FROM child_records
		 WHERE first_name LIKE ? ESCAPE '\' OR last_name LIKE ? ESCAPE '\'
		 ORDER BY last_name, first_name, id LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search child records: %w", err)
	}
	return children, nil
}

func (s *ChildStore) ListByMother(motherID int64) ([]model.ChildRecord, error) {
	children, err := queryList(s.db, scanChild,
		`SELECT `+childCols+` FROM child_records WHERE mother_id = ? ORDER BY date_of_birth, id`, motherID,
	)
	if err != nil {
		return nil, fmt.Errorf("list child records by mother: %w", err)
	}
	return children, nil
}

func (s *ChildStore) Count() (int64, error) {
	n, err := count(s.db, `SELECT COUNT(*) FROM child_records`)
	if err != nil {
		return 0, fmt.Errorf("count child records: %w", err)
	}
	return n, nil
}
