package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type SmsLogStore struct {
	db     *sql.DB
	events *Events
}

func NewSmsLogStore(db *sql.DB, events *Events) *SmsLogStore {
	return &SmsLogStore{db: db, events: events}
}

func scanSmsLog(scanner interface{ Scan(...any) error }) (*model.SmsLog, error) {
	var l model.SmsLog
	var patient sql.NullInt64
	var sentAt sql.NullTime
	err := scanner.Scan(&l.ID, &patient, &l.Phone, &l.Message, &l.Status, &sentAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.PatientID = intPtr(patient)
	l.SentAt = timePtr(sentAt)
	return &l, nil
}

const smsLogCols = `id, patient_id, phone, message, status, sent_at, created_at`

// Create queues a message log entry.
func (s *SmsLogStore) Create(patientID *int64, phone, message string) (*model.SmsLog, error) {
	result, err := s.db.Exec(
		`INSERT INTO sms_logs (patient_id, phone, message, status) VALUES (?, ?, ?, ?)`,
		nullInt(patientID), phone, message, model.SmsQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("insert sms log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.events.Publish(Change{Entity: EntitySmsLogs, Action: ActionCreated, ID: id})
	return s.GetByID(id)
}

func (s *SmsLogStore) GetByID(id int64) (*model.SmsLog, error) {
	row := s.db.QueryRow(`SELECT `+smsLogCols+` FROM sms_logs WHERE id = ?`, id)
	l, err := scanSmsLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sms log: %w", err)
	}
	return l, nil
}

func (s *SmsLogStore) MarkSent(id int64, at time.Time) (bool, error) {
	return s.setStatus(id, model.SmsSent, &at)
}

func (s *SmsLogStore) MarkFailed(id int64) (bool, error) {
	return s.setStatus(id, model.SmsFailed, nil)
}

func (s *SmsLogStore) setStatus(id int64, status string, sentAt *time.Time) (bool, error) {
	result, err := s.db.Exec(`UPDATE sms_logs SET status = ?, sent_at = ? WHERE id = ?`, status, nullTime(sentAt), id)
	if err != nil {
		return false, fmt.Errorf("update sms log status: %w", err)
	}
	ok, err := rowsChanged(result)
	if ok {
		s.events.Publish(Change{Entity: EntitySmsLogs, Action: ActionUpdated, ID: id})
	}
	return ok, err
}

func (s *SmsLogStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sms_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sms log: %w", err)
	}
	s.events.Publish(Change{Entity: EntitySmsLogs, Action: ActionDeleted, ID: id})
	return nil
}

func (s *SmsLogStore) Paginate(page, pageSize int) (Page[model.SmsLog], error) {
	return paginate(s.db, scanSmsLog, "sms_logs", smsLogCols, page, pageSize)
}

func (s *SmsLogStore) ListByStatus(status string) ([]model.SmsLog, error) {
	logs, err := queryList(s.db, scanSmsLog,
		`SELECT `+smsLogCols+` FROM sms_logs WHERE status = ? ORDER BY created_at, id`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list sms logs by status: %w", err)
	}
	return logs, nil
}

// ListBetween returns log entries created in [from, to).
func (s *SmsLogStore) ListBetween(from, to time.Time) ([]model.SmsLog, error) {
	logs, err := queryList(s.db, scanSmsLog,
		`SELECT `+smsLogCols+` FROM sms_logs WHERE created_at >= ? AND created_at < ? ORDER BY created_at, id`,
		sqliteTime(from), sqliteTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list sms logs between: %w", err)
	}
	return logs, nil
}
