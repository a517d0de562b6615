package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/mchcare/internal/model"
)

type PatientStore struct {
	db     *sql.DB
	events *Events
}

func NewPatientStore(db *sql.DB, events *Events) *PatientStore {
	return &PatientStore{db: db, events: events}
}

func scanPatient(scanner interface{ Scan(...any) error }) (*model.Patient, error) {
	var p model.Patient
	var dob sql.NullTime
	err := scanner.Scan(&p.ID, &p.FirstName, &p.LastName, &dob, &p.Phone, &p.Address, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DateOfBirth = timePtr(dob)
	return &p, nil
}

const patientCols = `id, first_name, last_name, date_of_birth, phone, address, status, created_at, updated_at`

func (s *PatientStore) Create(p model.Patient) (*model.Patient, error) {
	if p.Status == "" {
		p.Status = model.PatientStatusActive
	}
	result, err := s.db.Exec(
		`INSERT INTO patients (first_name, last_name, date_of_birth, phone, address, status) VALUES (?, ?, ?, ?, ?, ?)`,
		p.FirstName, p.LastName, nullTime(p.DateOfBirth), p.Phone, p.Address, p.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityPatients, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *PatientStore) GetByID(id int64) (*model.Patient, error) {
	row := s.db.QueryRow(`SELECT `+patientCols+` FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (s *PatientStore) Update(id int64, p model.Patient) (bool, error) {
	if p.Status == "" {
		p.Status = model.PatientStatusActive
	}
	result, err := s.db.Exec(
		`UPDATE patients SET first_name = ?, last_name = ?, date_of_birth = ?, phone = ?, address = ?, status = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		p.FirstName, p.LastName, nullTime(p.DateOfBirth), p.Phone, p.Address, p.Status, id,
	)
	if err != nil {
		return false, fmt.Errorf("update patient: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityPatients, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *PatientStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM patients WHERE id = ?`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("delete patient %d: %w", id, ErrReferenced)
	}
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	s.events.Publish(Change{Entity: EntityPatients, Action: ActionDeleted, ID: id})
	return nil
}

func (s *PatientStore) Paginate(page, pageSize int) (Page[model.Patient], error) {
	return paginate(s.db, scanPatient, "patients", patientCols, page, pageSize)
}

// Search matches q against first name, last name and phone.
func (s *PatientStore) Search(q string, limit int) ([]model.Patient, error) {
	_, limit = clampPage(1, limit)
	pattern := likePattern(q)
	patients, err := queryList(s.db, scanPatient,
		`SELECT `+patientCols+` FROM patients
		 WHERE first_name LIKE ? ESCAPE '\' OR last_name LIKE ? ESCAPE '\' OR phone LIKE ? ESCAPE '\'
		 ORDER BY last_name, first_name, id LIMIT ?`,
		pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	return patients, nil
}

func (s *PatientStore) ListByStatus(status string) ([]model.Patient, error) {
	patients, err := queryList(s.db, scanPatient,
		`SELECT `+patientCols+` FROM patients WHERE status = ? ORDER BY created_at DESC, id DESC`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list patients by status: %w", err)
	}
	return patients, nil
}

func (s *PatientStore) Count() (int64, error) {
	n, err := count(s.db, `SELECT COUNT(*) FROM patients`)
	if err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return n, nil
}
