package model

import "time"

const (
	PatientStatusActive   = "active"
	PatientStatusInactive = "inactive"
)

type Patient struct {
	ID          int64      `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Phone       string     `json:"phone"`
	Address     string     `json:"address"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const (
	PrenatalStatusActive    = "active"
	PrenatalStatusDelivered = "delivered"
	PrenatalStatusClosed    = "closed"
)

type PrenatalRecord struct {
	ID                   int64      `json:"id"`
	PatientID            int64      `json:"patient_id"`
	VisitDate            time.Time  `json:"visit_date"`
	GestationalWeeks     int        `json:"gestational_weeks"`
	WeightKg             *float64   `json:"weight_kg,omitempty"`
	BloodPressure        string     `json:"blood_pressure"`
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty"`
	Status               string     `json:"status"`
	Notes                string     `json:"notes"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type ChildRecord struct {
	ID            int64     `json:"id"`
	MotherID      *int64    `json:"mother_id,omitempty"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	DateOfBirth   time.Time `json:"date_of_birth"`
	Sex           string    `json:"sex"`
	BirthWeightKg *float64  `json:"birth_weight_kg,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
