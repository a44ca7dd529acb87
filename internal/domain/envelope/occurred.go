package envelope

import (
	"strings"

	"github.com/hospigen/fhir-bridge/internal/domain/routing"
	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
)

// occurredAtFields lists, per resource type, the element paths tried in
// order before falling back to meta.lastUpdated.
var occurredAtFields = map[string][][]string{
	"Observation":              {{"effectiveDateTime"}, {"issued"}},
	"ServiceRequest":           {{"authoredOn"}},
	"MedicationRequest":        {{"authoredOn"}},
	"MedicationAdministration": {{"effectiveDateTime"}, {"effectivePeriod", "start"}},
	"Procedure":                {{"performedDateTime"}, {"performedPeriod", "start"}},
	"Encounter":                {{"period", "start"}},
	"Appointment":              {{"start"}},
	"DocumentReference":        {{"date"}},
}

// OccurredAt returns the clinical time of the change. The chain always ends
// in meta.lastUpdated and then now.
func OccurredAt(res *fhir.Resource, now string) string {
	paths := occurredAtFields[res.Type()]
	if res.Type() == "Encounter" && routing.IsEncounterClosed(res.Status()) {
		paths = append([][]string{{"period", "end"}}, paths...)
	}
	for _, p := range paths {
		if v := res.String(p...); v != "" {
			return v
		}
	}
	if v := res.LastUpdated(); v != "" {
		return v
	}
	return now
}

// PatientRef returns the patient reference of the resource, or "". Appointment
// has no single subject, so its participants are scanned for the first
// actor referencing a Patient.
func PatientRef(res *fhir.Resource) string {
	if ref := res.String("subject", "reference"); ref != "" {
		return ref
	}
	if ref := res.String("patient", "reference"); ref != "" {
		return ref
	}
	if res.Type() != "Appointment" {
		return ""
	}
	for _, p := range res.List("participant") {
		participant, ok := p.(map[string]any)
		if !ok {
			continue
		}
		actor, _ := participant["actor"].(map[string]any)
		ref, _ := actor["reference"].(string)
		if strings.Contains(ref, "Patient/") {
			return ref
		}
	}
	return ""
}
