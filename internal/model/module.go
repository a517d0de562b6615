package model

// Module tags name the data categories a backup can include.
const (
	ModulePatientRecords      = "patient_records"
	ModulePrenatalMonitoring  = "prenatal_monitoring"
	ModuleChildRecords        = "child_records"
	ModuleImmunizationRecords = "immunization_records"
	ModuleVaccineManagement   = "vaccine_management"
)

// AllModules lists every module tag in display order.
var AllModules = []string{
	ModulePatientRecords,
	ModulePrenatalMonitoring,
	ModuleChildRecords,
	ModuleImmunizationRecords,
	ModuleVaccineManagement,
}

// IsValidModule reports whether tag is one of the fixed module tags.
func IsValidModule(tag string) bool {
	for _, m := range AllModules {
		if m == tag {
			return true
		}
	}
	return false
}
