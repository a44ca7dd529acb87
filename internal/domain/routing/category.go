package routing

import (
	"fmt"
	"strings"
)

// Category is a destination class. Each category is bound to exactly one
// topic by configuration.
type Category string

const (
	CategoryResultsPrelim       Category = "results-prelim"
	CategoryResultsFinal        Category = "results-final"
	CategoryOrdersCreated       Category = "orders-created"
	CategoryMedsOrdered         Category = "meds-ordered"
	CategoryMedsAdministered    Category = "meds-administered"
	CategoryProceduresPerformed Category = "procedures-performed"
	CategoryNotesCreated        Category = "notes-created"
	CategorySchedulingCreated   Category = "scheduling-created"
	CategoryEDTriage            Category = "ed-triage"
	CategoryADTAdmit            Category = "adt-admit"
	CategoryADTTransfer         Category = "adt-transfer"
	CategoryADTDischarge        Category = "adt-discharge"
	CategoryRemoteMonitoring    Category = "remote-monitoring"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryResultsPrelim,
		CategoryResultsFinal,
		CategoryOrdersCreated,
		CategoryMedsOrdered,
		CategoryMedsAdministered,
		CategoryProceduresPerformed,
		CategoryNotesCreated,
		CategorySchedulingCreated,
		CategoryEDTriage,
		CategoryADTAdmit,
		CategoryADTTransfer,
		CategoryADTDischarge,
		CategoryRemoteMonitoring,
	}
}

// Topics binds categories to topic names, short or fully-qualified.
type Topics map[Category]string

// DefaultTopics returns the stock bindings.
func DefaultTopics() Topics {
	return Topics{
		CategoryResultsPrelim:       "results.prelim",
		CategoryResultsFinal:        "results.final",
		CategoryOrdersCreated:       "orders.created",
		CategoryMedsOrdered:         "meds.ordered",
		CategoryMedsAdministered:    "meds.administered",
		CategoryProceduresPerformed: "procedures.performed",
		CategoryNotesCreated:        "notes.created",
		CategorySchedulingCreated:   "scheduling.created",
		CategoryEDTriage:            "ed.triage",
		CategoryADTAdmit:            "adt.admit",
		CategoryADTTransfer:         "adt.transfer",
		CategoryADTDischarge:        "adt.discharge",
		CategoryRemoteMonitoring:    "rpm.vitals",
	}
}

// Topic returns the topic bound to c.
func (t Topics) Topic(c Category) string {
	return t[c]
}

// Validate checks that every category has a non-blank binding.
func (t Topics) Validate() error {
	var missing []string
	for _, c := range Categories() {
		if strings.TrimSpace(t[c]) == "" {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no topic bound for: %s", strings.Join(missing, ", "))
	}
	return nil
}
