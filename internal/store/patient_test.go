package store

import (
	"errors"
	"testing"

	"github.com/dukerupert/mchcare/internal/model"
)

func TestPatientCRUD(t *testing.T) {
	db := openTestDB(t)
	ps := NewPatientStore(db, nil)

	dob := date(1994, 3, 12)
	p, err := ps.Create(model.Patient{FirstName: "Amina", LastName: "Okafor", DateOfBirth: &dob, Phone: "+2348000000"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if p.Status != model.PatientStatusActive {
		t.Errorf("status = %q, want %q", p.Status, model.PatientStatusActive)
	}
	if p.DateOfBirth == nil || !p.DateOfBirth.Equal(dob) {
		t.Errorf("date_of_birth = %v, want %v", p.DateOfBirth, dob)
	}

	ok, err := ps.Update(p.ID, model.Patient{FirstName: "Amina", LastName: "Bello", Status: model.PatientStatusInactive})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	got, _ := ps.GetByID(p.ID)
	if got.LastName != "Bello" {
		t.Errorf("last_name = %q, want %q", got.LastName, "Bello")
	}
	if got.DateOfBirth != nil {
		t.Errorf("date_of_birth = %v, want nil", got.DateOfBirth)
	}

	ok, err = ps.Update(9999, model.Patient{FirstName: "X", LastName: "Y"})
	if err != nil || ok {
		t.Errorf("update missing: ok=%v err=%v, want false, nil", ok, err)
	}

	if err := ps.Delete(p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(p.ID); got != nil {
		t.Error("expected nil after delete")
	}
}

func TestPatientDeleteReferenced(t *testing.T) {
	db := openTestDB(t)
	ps := NewPatientStore(db, nil)
	mother := createTestPatient(t, db, "Amara", "Okafor")
	if _, err := NewPrenatalStore(db, nil).Create(model.PrenatalRecord{
		PatientID: mother.ID, VisitDate: date(2024, 1, 8), GestationalWeeks: 12,
	}); err != nil {
		t.Fatalf("create prenatal record: %v", err)
	}

	err := ps.Delete(mother.ID)
	if !errors.Is(err, ErrReferenced) {
		t.Fatalf("err = %v, want ErrReferenced", err)
	}
	if got, _ := ps.GetByID(mother.ID); got == nil {
		t.Error("patient removed despite linked records")
	}
}

func TestPatientGetMissing(t *testing.T) {
	ps := NewPatientStore(openTestDB(t), nil)

	p, err := ps.GetByID(42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil, got %+v", p)
	}
}

func TestPatientPaginate(t *testing.T) {
	db := openTestDB(t)
	ps := NewPatientStore(db, nil)

	for i := 0; i < 5; i++ {
		createTestPatient(t, db, "P", string(rune('A'+i)))
	}

	page, err := ps.Paginate(1, 2)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("total = %d, want 5", page.Total)
	}
	if page.TotalPages != 3 {
		t.Errorf("total_pages = %d, want 3", page.TotalPages)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	// Same created_at second, so the id tie-break decides.
	if page.Items[0].ID < page.Items[1].ID {
		t.Errorf("items not in descending id order: %d, %d", page.Items[0].ID, page.Items[1].ID)
	}

	last, _ := ps.Paginate(3, 2)
	if len(last.Items) != 1 {
		t.Errorf("last page items = %d, want 1", len(last.Items))
	}

	seen := map[int64]bool{}
	for p := 1; p <= 3; p++ {
		pg, _ := ps.Paginate(p, 2)
		for _, it := range pg.Items {
			if seen[it.ID] {
				t.Errorf("patient %d appears on more than one page", it.ID)
			}
			seen[it.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("saw %d patients across pages, want 5", len(seen))
	}
}

func TestPatientPaginateClamp(t *testing.T) {
	ps := NewPatientStore(openTestDB(t), nil)

	page, err := ps.Paginate(0, 100000)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if page.Page != 1 {
		t.Errorf("page = %d, want 1", page.Page)
	}
	if page.PageSize != MaxPageSize {
		t.Errorf("page_size = %d, want %d", page.PageSize, MaxPageSize)
	}
	if page.Items == nil {
		t.Error("items should be empty, not nil")
	}

	page, _ = ps.Paginate(1, -3)
	if page.PageSize != DefaultPageSize {
		t.Errorf("page_size = %d, want %d", page.PageSize, DefaultPageSize)
	}
}

func TestPatientSearch(t *testing.T) {
	db := openTestDB(t)
	ps := NewPatientStore(db, nil)

	createTestPatient(t, db, "Grace", "Mensah")
	createTestPatient(t, db, "Fatima", "Mensah")
	createTestPatient(t, db, "Ngozi", "Eze")

	got, err := ps.Search("mensah", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].FirstName != "Fatima" {
		t.Errorf("first result = %q, want %q", got[0].FirstName, "Fatima")
	}

	none, _ := ps.Search("100%", 10)
	if len(none) != 0 {
		t.Errorf("wildcard search matched %d rows, want 0", len(none))
	}
}

func TestPatientEvents(t *testing.T) {
	db := openTestDB(t)
	events := NewEvents()
	var got []Change
	events.Subscribe(func(c Change) { got = append(got, c) })

	ps := NewPatientStore(db, events)
	p, _ := ps.Create(model.Patient{FirstName: "A", LastName: "B"})
	ps.Update(p.ID, model.Patient{FirstName: "A", LastName: "C"})
	ps.Delete(p.ID)

	want := []string{ActionCreated, ActionUpdated, ActionDeleted}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i, c := range got {
		if c.Entity != EntityPatients || c.Action != want[i] || c.ID != p.ID {
			t.Errorf("event %d = %+v", i, c)
		}
	}
}

func TestPatientListByStatusAndCount(t *testing.T) {
	db := openTestDB(t)
	ps := NewPatientStore(db, nil)

	ps.Create(model.Patient{FirstName: "A", LastName: "One"})
	ps.Create(model.Patient{FirstName: "B", LastName: "Two", Status: model.PatientStatusInactive})

	active, err := ps.ListByStatus(model.PatientStatusActive)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active = %d, want 1", len(active))
	}

	n, err := ps.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}
