package model

import "time"

const (
	ImmunizationScheduled    = "scheduled"
	ImmunizationAdministered = "administered"
	ImmunizationMissed       = "missed"
)

type Immunization struct {
	ID               int64      `json:"id"`
	ChildID          int64      `json:"child_id"`
	VaccineID        int64      `json:"vaccine_id"`
	DoseNumber       int        `json:"dose_number"`
	ScheduledDate    time.Time  `json:"scheduled_date"`
	AdministeredDate *time.Time `json:"administered_date,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Vaccine struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Manufacturer  string     `json:"manufacturer"`
	DosesRequired int        `json:"doses_required"`
	StockQuantity int        `json:"stock_quantity"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const (
	StockIn  = "in"
	StockOut = "out"
)

type StockTransaction struct {
	ID        int64     `json:"id"`
	VaccineID int64     `json:"vaccine_id"`
	Kind      string    `json:"kind"`
	Quantity  int       `json:"quantity"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}
