package routing

import (
	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
	"github.com/hospigen/fhir-bridge/internal/platform/notification"
)

// TableVersion identifies the rule set built by DefaultTable.
const TableVersion = "2024.1"

const loincSystem = "http://loinc.org"

// vitalSignCodes is the LOINC allow-list used when an observation carries no
// vital-signs category.
var vitalSignCodes = map[string]string{
	"8867-4":  "heart rate",
	"59408-5": "oxygen saturation (pulse oximetry)",
	"2708-6":  "oxygen saturation (arterial)",
	"9279-1":  "respiratory rate",
	"8310-5":  "body temperature",
	"8480-6":  "systolic blood pressure",
	"8462-4":  "diastolic blood pressure",
	"85354-9": "blood pressure panel",
	"8302-2":  "body height",
	"29463-7": "body weight",
	"39156-5": "body mass index",
}

// IsVitalSignCode reports whether code is on the vital-sign allow-list.
func IsVitalSignCode(code string) bool {
	_, ok := vitalSignCodes[code]
	return ok
}

var appointmentStatuses = map[string]bool{
	"booked":     true,
	"proposed":   true,
	"pending":    true,
	"arrived":    true,
	"checked-in": true,
	"accepted":   true,
}

// DefaultTable returns the standard routing rules.
func DefaultTable() *Table {
	return NewTable(TableVersion,
		Rule{Name: "observation", ResourceType: "Observation", Decide: decideObservation},
		Rule{Name: "service-request", ResourceType: "ServiceRequest", Decide: always(CategoryOrdersCreated)},
		Rule{Name: "medication-request", ResourceType: "MedicationRequest", Decide: always(CategoryMedsOrdered)},
		Rule{Name: "medication-administration", ResourceType: "MedicationAdministration", Decide: always(CategoryMedsAdministered)},
		Rule{Name: "procedure", ResourceType: "Procedure", Decide: always(CategoryProceduresPerformed)},
		Rule{Name: "document-reference", ResourceType: "DocumentReference", Decide: always(CategoryNotesCreated)},
		Rule{Name: "appointment", ResourceType: "Appointment", Decide: decideAppointment},
		Rule{Name: "encounter-adt", ResourceType: "Encounter", Decide: decideEncounter},
	)
}

func always(c Category) DecideFunc {
	return func(*fhir.Resource, notification.Action) (Category, bool) {
		return c, true
	}
}

// decideObservation gives category codes precedence over the code
// allow-list so a laboratory result is never routed as a vital sign.
func decideObservation(res *fhir.Resource, _ notification.Action) (Category, bool) {
	if res.HasCode("laboratory", "category") {
		if res.Status() == "final" {
			return CategoryResultsFinal, true
		}
		return CategoryResultsPrelim, true
	}
	if res.HasCode("vital-signs", "category") || hasVitalSignCode(res) {
		return CategoryRemoteMonitoring, true
	}
	return "", false
}

func hasVitalSignCode(res *fhir.Resource) bool {
	for _, c := range res.Codes("code") {
		if c.System != "" && c.System != loincSystem {
			continue
		}
		if IsVitalSignCode(c.Code) {
			return true
		}
	}
	return false
}

func decideAppointment(res *fhir.Resource, action notification.Action) (Category, bool) {
	if action == notification.ActionCreate || action == notification.ActionUpdate {
		return CategorySchedulingCreated, true
	}
	if appointmentStatuses[res.Status()] {
		return CategorySchedulingCreated, true
	}
	return "", false
}

// decideEncounter applies the ADT rules. An update to an in-progress
// inpatient encounter is a location change, not a new admission.
func decideEncounter(res *fhir.Resource, action notification.Action) (Category, bool) {
	status := res.Status()
	switch {
	case res.HasCode("EMER", "class") && status == "arrived":
		return CategoryEDTriage, true
	case res.HasCode("IMP", "class") && (status == "in-progress" || status == "arrived"):
		if action == notification.ActionUpdate {
			return CategoryADTTransfer, true
		}
		return CategoryADTAdmit, true
	case IsEncounterClosed(status):
		return CategoryADTDischarge, true
	}
	return "", false
}

// IsEncounterClosed reports whether an encounter status marks the end of
// the encounter. R4 uses "finished", R5 "completed".
func IsEncounterClosed(status string) bool {
	return status == "finished" || status == "completed"
}
