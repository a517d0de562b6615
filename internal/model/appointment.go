package model

import "time"

const (
	AppointmentScheduled = "scheduled"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
	AppointmentMissed    = "missed"
)

type Appointment struct {
	ID              int64     `json:"id"`
	PatientID       int64     `json:"patient_id"`
	ChildID         *int64    `json:"child_id,omitempty"`
	AppointmentType string    `json:"appointment_type"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const (
	SmsQueued = "queued"
	SmsSent   = "sent"
	SmsFailed = "failed"
)

type SmsLog struct {
	ID        int64      `json:"id"`
	PatientID *int64     `json:"patient_id,omitempty"`
	Phone     string     `json:"phone"`
	Message   string     `json:"message"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
