package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type ImmunizationStore struct {
	db     *sql.DB
	events *Events
}

func NewImmunizationStore(db *sql.DB, events *Events) *ImmunizationStore {
	return &ImmunizationStore{db: db, events: events}
}

func scanImmunization(scanner interface{ Scan(...any) error }) (*model.Immunization, error) {
	var im model.Immunization
	var administered sql.NullTime
	err := scanner.Scan(&im.ID, &im.ChildID, &im.VaccineID, &im.DoseNumber, &im.ScheduledDate, &administered,
		&im.Status, &im.CreatedAt, &im.UpdatedAt)
	if err != nil {
		return nil, err
	}
	im.AdministeredDate = timePtr(administered)
	return &im, nil
}

const immunizationCols = `id, child_id, vaccine_id, dose_number, scheduled_date, administered_date, status, created_at, updated_at`

func (s *ImmunizationStore) Create(im model.Immunization) (*model.Immunization, error) {
	if im.Status == "" {
		im.Status = model.ImmunizationScheduled
	}
	if im.DoseNumber == 0 {
		im.DoseNumber = 1
	}
	result, err := s.db.Exec(
		`INSERT INTO immunizations (child_id, vaccine_id, dose_number, scheduled_date, administered_date, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		im.ChildID, im.VaccineID, im.DoseNumber, im.ScheduledDate.UTC(), nullTime(im.AdministeredDate), im.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert immunization: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityImmunizations, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *ImmunizationStore) GetByID(id int64) (*model.Immunization, error) {
	row := s.db.QueryRow(`SELECT `+immunizationCols+` FROM immunizations WHERE id = ?`, id)
	im, err := scanImmunization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get immunization: %w", err)
	}
	return im, nil
}

func (s *ImmunizationStore) Update(id int64, im model.Immunization) (bool, error) {
	if im.Status == "" {
		im.Status = model.ImmunizationScheduled
	}
	result, err := s.db.Exec(
		`UPDATE immunizations SET vaccine_id = ?, dose_number = ?, scheduled_date = ?, administered_date = ?, status = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		im.VaccineID, im.DoseNumber, im.ScheduledDate.UTC(), nullTime(im.AdministeredDate), im.Status, id,
	)
	if err != nil {
		return false, fmt.Errorf("update immunization: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityImmunizations, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

// MarkAdministered records the dose as given at the supplied time.
func (s *ImmunizationStore) MarkAdministered(id int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE immunizations SET status = ?, administered_date = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		model.ImmunizationAdministered, at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark immunization administered: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityImmunizations, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *ImmunizationStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM immunizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete immunization: %w", err)
	}
	s.events.Publish(Change{Entity: EntityImmunizations, Action: ActionDeleted, ID: id})
	return nil
}

func (s *ImmunizationStore) Paginate(page, pageSize int) (Page[model.Immunization], error) {
	return paginate(s.db, scanImmunization, "immunizations", immunizationCols, page, pageSize)
}

func (s *ImmunizationStore) ListByChild(childID int64) ([]model.Immunization, error) {
	list, err := queryList(s.db, scanImmunization,
		`SELECT `+immunizationCols+` FROM immunizations WHERE child_id = ? ORDER BY scheduled_date, dose_number, id`, childID,
	)
	if err != nil {
		return nil, fmt.Errorf("list immunizations by child: %w", err)
	}
	return list, nil
}

// ListUpcoming returns scheduled doses due within the next days days.
func (s *ImmunizationStore) ListUpcoming(now time.Time, days int) ([]model.Immunization, error) {
	list, err := queryList(s.db, scanImmunization,
		`SELECT `+immunizationCols+` FROM immunizations
		 WHERE status = ? AND scheduled_date >= ? AND scheduled_date < ?
		 ORDER BY scheduled_date, id`,
		model.ImmunizationScheduled, now.UTC(), now.UTC().AddDate(0, 0, days),
	)
	if err != nil {
		return nil, fmt.Errorf("list upcoming immunizations: %w", err)
	}
	return list, nil
}

// ListOverdue returns scheduled doses whose date has passed.
func (s *ImmunizationStore) ListOverdue(now time.Time) ([]model.Immunization, error) {
	list, err := queryList(s.db, scanImmunization,
		`SELECT `+immunizationCols+` FROM immunizations WHERE status = ? AND scheduled_date < ?
		 ORDER BY scheduled_date, id`,
		model.ImmunizationScheduled, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue immunizations: %w", err)
	}
	return list, nil
}

func (s *ImmunizationStore) CountOverdue(now time.Time) (int64, error) {
	n, err := count(s.db, `SELECT COUNT(*) FROM immunizations WHERE status = ? AND scheduled_date < ?`,
		model.ImmunizationScheduled, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("count overdue immunizations: %w", err)
	}
	return n, nil
}
