package store

import "sync"

// Entity names match the table each store writes to.
const (
	EntityUsers             = "users"
	EntityPatients          = "patients"
	EntityAppointments      = "appointments"
	EntitySmsLogs           = "sms_logs"
	EntityPrenatalRecords   = "prenatal_records"
	EntityChildRecords      = "child_records"
	EntityVaccines          = "vaccines"
	EntityStockTransactions = "stock_transactions"
	EntityImmunizations     = "immunizations"
)

const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionRestored = "restored"
)

// Change describes a committed write to an entity table.
type Change struct {
	Entity string
	Action string
	ID     int64
}

// Events fans out write notifications to subscribers. A nil *Events drops
// everything, so stores can be built without one in tests.
type Events struct {
	mu   sync.RWMutex
	subs []func(Change)
}

func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers fn to be called synchronously after every write.
func (e *Events) Subscribe(fn func(Change)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func (e *Events) Publish(c Change) {
	if e == nil {
		return
	}
	e.mu.RLock()
	subs := make([]func(Change), len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
}
