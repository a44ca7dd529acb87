package fhir

import (
	"regexp"
	"strings"
)

// locatorPattern matches a Cloud Healthcare FHIR resource name embedded in
// arbitrary text. The locations segment is optional so older dataset paths
// still match.
var locatorPattern = regexp.MustCompile(
	`projects/[^/\s"']+(?:/locations/[^/\s"']+)?/datasets/[^/\s"']+/fhirStores/[^/\s"']+/fhir/[A-Za-z]+/[^/\s"']+(?:/_history/[^/\s"']+)?`,
)

var projectPattern = regexp.MustCompile(`projects/([^/\s]+)/`)

// FindLocator returns the first resource name embedded in text.
func FindLocator(text string) (string, bool) {
	m := locatorPattern.FindString(text)
	return m, m != ""
}

// ProjectFromPath extracts "p" from "projects/p/...". It returns "" when the
// path carries no project segment.
func ProjectFromPath(path string) string {
	m := projectPattern.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}

// Locator identifies a resource inside the record store. Name is the path
// used for the fetch; the other fields are filled when Name follows the
// projects/.../fhir/<Type>/<id> layout.
type Locator struct {
	Name string

	project      string
	location     string
	dataset      string
	store        string
	resourceType string
	resourceID   string
	version      string
}

// ParseLocator splits a resource name into its segments. Unknown layouts are
// kept as-is in Name with empty segment fields.
func ParseLocator(name string) Locator {
	l := Locator{Name: strings.Trim(strings.TrimSpace(name), "/")}
	parts := strings.Split(l.Name, "/")
	for i := 0; i < len(parts); i++ {
		next := ""
		if i+1 < len(parts) {
			next = parts[i+1]
		}
		switch parts[i] {
		case "projects":
			l.project = next
			i++
		case "locations":
			l.location = next
			i++
		case "datasets":
			l.dataset = next
			i++
		case "fhirStores":
			l.store = next
			i++
		case "fhir":
			if i+2 < len(parts) {
				l.resourceType = parts[i+1]
				l.resourceID = parts[i+2]
				if i+4 < len(parts) && parts[i+3] == "_history" {
					l.version = parts[i+4]
				}
			}
			return l
		}
	}
	return l
}

// IsZero reports whether the locator carries no name.
func (l Locator) IsZero() bool { return l.Name == "" }

func (l Locator) Project() string      { return l.project }
func (l Locator) ResourceType() string { return l.resourceType }
func (l Locator) ResourceID() string   { return l.resourceID }
func (l Locator) Version() string      { return l.version }

// StoreName returns the projects/.../fhirStores/<s> prefix, or "" when the
// locator does not follow the store layout.
func (l Locator) StoreName() string {
	if l.project == "" || l.dataset == "" || l.store == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("projects/" + l.project)
	if l.location != "" {
		b.WriteString("/locations/" + l.location)
	}
	b.WriteString("/datasets/" + l.dataset + "/fhirStores/" + l.store)
	return b.String()
}

func (l Locator) String() string { return l.Name }
