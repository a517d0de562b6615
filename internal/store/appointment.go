package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type AppointmentStore struct {
	db     *sql.DB
	events *Events
}

func NewAppointmentStore(db *sql.DB, events *Events) *AppointmentStore {
	return &AppointmentStore{db: db, events: events}
}

func scanAppointment(scanner interface{ Scan(...any) error }) (*model.Appointment, error) {
	var a model.Appointment
	var child sql.NullInt64
	err := scanner.Scan(&a.ID, &a.PatientID, &child, &a.AppointmentType, &a.ScheduledAt, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ChildID = intPtr(child)
	return &a, nil
}

const appointmentCols = `id, patient_id, child_id, appointment_type, scheduled_at, status, notes, created_at, updated_at`

func (s *AppointmentStore) Create(a model.Appointment) (*model.Appointment, error) {
	if a.Status == "" {
		a.Status = model.AppointmentScheduled
	}
	result, err := s.db.Exec(
		`INSERT INTO appointments (patient_id, child_id, appointment_type, scheduled_at, status, notes) VALUES (?, ?, ?, ?, ?, ?)`,
		a.PatientID, nullInt(a.ChildID), a.AppointmentType, a.ScheduledAt.UTC(), a.Status, a.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntityAppointments, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *AppointmentStore) GetByID(id int64) (*model.Appointment, error) {
	row := s.db.QueryRow(`SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *AppointmentStore) Update(id int64, a model.Appointment) (bool, error) {
	if a.Status == "" {
		a.Status = model.AppointmentScheduled
	}
	result, err := s.db.Exec(
		`UPDATE appointments SET child_id = ?, appointment_type = ?, scheduled_at = ?, status = ?, notes = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullInt(a.ChildID), a.AppointmentType, a.ScheduledAt.UTC(), a.Status, a.Notes, id,
	)
	if err != nil {
		return false, fmt.Errorf("update appointment: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntityAppointments, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *AppointmentStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM appointments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	s.events.Publish(Change{Entity: EntityAppointments, Action: ActionDeleted, ID: id})
	return nil
}

func (s *AppointmentStore) Paginate(page, pageSize int) (Page[model.Appointment], error) {
	return paginate(s.db, scanAppointment, "appointments", appointmentCols, page, pageSize)
}

func (s *AppointmentStore) ListByPatient(patientID int64) ([]model.Appointment, error) {
	list, err := queryList(s.db, scanAppointment,
		`SELECT `+appointmentCols+` FROM appointments WHERE patient_id = ? ORDER BY scheduled_at DESC, id DESC`, patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return list, nil
}

// ListBetween returns appointments scheduled in [from, to) regardless of status.
func (s *AppointmentStore) ListBetween(from, to time.Time) ([]model.Appointment, error) {
	list, err := queryList(s.db, scanAppointment,
		`SELECT `+appointmentCols+` FROM appointments WHERE scheduled_at >= ? AND scheduled_at < ? ORDER BY scheduled_at, id`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list appointments between: %w", err)
	}
	return list, nil
}

func (s *AppointmentStore) ListUpcoming(now time.Time, days int) ([]model.Appointment, error) {
	list, err := queryList(s.db, scanAppointment,
		`SELECT `+appointmentCols+` FROM appointments
		 WHERE status = ? AND scheduled_at >= ? AND scheduled_at < ? ORDER BY scheduled_at, id`,
		model.AppointmentScheduled, now.UTC(), now.UTC().AddDate(0, 0, days),
	)
	if err != nil {
		return nil, fmt.Errorf("list upcoming appointments: %w", err)
	}
	return list, nil
}

// ListOverdue returns appointments still scheduled whose time has passed.
func (s *AppointmentStore) ListOverdue(now time.Time) ([]model.Appointment, error) {
	list, err := queryList(s.db, scanAppointment,
		`SELECT `+appointmentCols+` FROM appointments WHERE status = ? AND scheduled_at < ? ORDER BY scheduled_at, id`,
		model.AppointmentScheduled, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue appointments: %w", err)
	}
	return list, nil
}
