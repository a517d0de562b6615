package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type PrenatalStore struct {
	db     *sql.DB
	events *Events
}

func NewPrenatalStore(db *sql.DB, events *Events) *PrenatalStore {
	return &PrenatalStore{db: db, events: events}
}

func scanPrenatal(scanner interface{ Scan(...any) error }) (*model.PrenatalRecord, error) {
	var r model.PrenatalRecord
	var weight sql.NullFloat64
	var edd sql.NullTime
	err := scanner.Scan(&r.ID, &r.PatientID, &r.VisitDate, &r.GestationalWeeks, &weight, &r.BloodPressure,
		&edd, &r.Status, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.WeightKg = floatPtr(weight)
	r.ExpectedDeliveryDate = timePtr(edd)
	return &r, nil
}

const prenatalCols = `id, patient_id, visit_date, gestational_weeks, weight_kg, blood_pressure,
	expected_delivery_date, status, notes, created_at, updated_at`

func (s *PrenatalStore) Create(r model.PrenatalRecord) (*model.PrenatalRecord, error) {
	if r.Status == "" {
		r.Status = model.PrenatalStatusActive
	}
	result, err := s.db.Exec(
		`INSERT INTO prenatal_records (patient_id, visit_date, gestational_weeks, weight_kg, blood_pressure,
		 expected_delivery_date, status, notes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PatientID, r.VisitDate.UTC(), r.GestationalWeeks, nullFloat(r.WeightKg), r.BloodPressure,
		nullTime(r.ExpectedDeliveryDate), r.Status, r.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert prenatal record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityPrenatalRecords, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *PrenatalStore) GetByID(id int64) (*model.PrenatalRecord, error) {
	row := s.db.QueryRow(`SELECT `+prenatalCols+` FROM prenatal_records WHERE id = ?`, id)
	r, err := scanPrenatal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prenatal record: %w", err)
	}
	return r, nil
}

func (s *PrenatalStore) Update(id int64, r model.PrenatalRecord) (bool, error) {
	if r.Status == "" {
		r.Status = model.PrenatalStatusActive
	}
	result, err := s.db.Exec(
		`UPDATE prenatal_records SET visit_date = ?, gestational_weeks = ?, weight_kg = ?, blood_pressure = ?,
		 expected_delivery_date = ?, status = ?, notes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		r.VisitDate.UTC(), r.GestationalWeeks, nullFloat(r.WeightKg), r.BloodPressure,
		nullTime(r.ExpectedDeliveryDate), r.Status, r.Notes, id,
	)
	if err != nil {
		return false, fmt.Errorf("update prenatal record: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityPrenatalRecords, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *PrenatalStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM prenatal_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete prenatal record: %w", err)
	}
	s.events.Publish(Change{Entity: EntityPrenatalRecords, Action: ActionDeleted, ID: id})
	return nil
}

func (s *PrenatalStore) Paginate(page, pageSize int) (Page[model.PrenatalRecord], error) {
	return paginate(s.db, scanPrenatal, "prenatal_records", prenatalCols, page, pageSize)
}

func (s *PrenatalStore) ListByPatient(patientID int64) ([]model.PrenatalRecord, error) {
	records, err := queryList(s.db, scanPrenatal,
		`SELECT `+prenatalCols+` FROM prenatal_records WHERE patient_id = ? ORDER BY visit_date DESC, id DESC`, patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list prenatal records by patient: %w", err)
	}
	return records, nil
}

func (s *PrenatalStore) ListByStatus(status string) ([]model.PrenatalRecord, error) {
	records, err := queryList(s.db, scanPrenatal,
		`SELECT `+prenatalCols+` FROM prenatal_records WHERE status = ? ORDER BY created_at DESC, id DESC`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list prenatal records by status: %w", err)
	}
	return records, nil
}

// ListDueBetween returns active records whose expected delivery date falls
// in [from, to).
func (s *PrenatalStore) ListDueBetween(from, to time.Time) ([]model.PrenatalRecord, error) {
	records, err := queryList(s.db, scanPrenatal,
		`SELECT `+prenatalCols+` FROM prenatal_records
		 WHERE status = ? AND expected_delivery_date >= ? AND expected_delivery_date < ?
		 ORDER BY expected_delivery_date, id`,
		model.PrenatalStatusActive, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list prenatal records due: %w", err)
	}
	return records, nil
}

// CountActivePregnancies counts patients with at least one active record.
func (s *PrenatalStore) CountActivePregnancies() (int64, error) {
	n, err := count(s.db, `SELECT COUNT(DISTINCT patient_id) FROM prenatal_records WHERE status = ?`, model.PrenatalStatusActive)
	if err != nil {
		return 0, fmt.Errorf("count active pregnancies: %w", err)
	}
	return n, nil
}
