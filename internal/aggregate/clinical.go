package aggregate

import (
	"context"
	"time"

	"github.com/dukerupert/mchcare/internal/store"
)

// LowStockThreshold is the stock level at or below which a vaccine counts
// as low.
const LowStockThreshold = 10

// Stores groups the stores the clinical aggregates read from.
type Stores struct {
	Patients      *store.PatientStore
	Prenatal      *store.PrenatalStore
	Children      *store.ChildStore
	Immunizations *store.ImmunizationStore
	Vaccines      *store.VaccineStore
}

// RegisterClinical registers the dashboard counters.
func RegisterClinical(c *Cache, s Stores, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.Register(store.EntityPatients, "total", func(context.Context) (int64, error) {
		return s.Patients.Count()
	})
	c.Register(store.EntityPrenatalRecords, "active_pregnancies", func(context.Context) (int64, error) {
		return s.Prenatal.CountActivePregnancies()
	})
	c.Register(store.EntityChildRecords, "total", func(context.Context) (int64, error) {
		return s.Children.Count()
	})
	c.Register(store.EntityImmunizations, "overdue", func(context.Context) (int64, error) {
		return s.Immunizations.CountOverdue(now())
	})
	c.Register(store.EntityVaccines, "low_stock", func(context.Context) (int64, error) {
		return s.Vaccines.CountLowStock(LowStockThreshold)
	})
}
