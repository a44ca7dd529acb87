package fhir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labObservation = `{
  "resourceType": "Observation",
  "id": "obs1",
  "status": "Final",
  "meta": {"lastUpdated": "2025-01-02T03:04:05Z"},
  "category": [
    {"coding": [{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "laboratory"}]}
  ],
  "code": {"coding": [{"system": "http://loinc.org", "code": "2345-7", "display": "Glucose"}]},
  "subject": {"reference": "Patient/123"},
  "valueQuantity": {"value": 5.4, "unit": "mmol/L"}
}`

func TestParseResource_Accessors(t *testing.T) {
	res, err := ParseResource([]byte(labObservation))
	require.NoError(t, err)

	assert.Equal(t, "Observation", res.Type())
	assert.Equal(t, "obs1", res.ID())
	assert.Equal(t, "final", res.Status())
	assert.Equal(t, "Final", res.RawStatus())
	assert.Equal(t, "2025-01-02T03:04:05Z", res.LastUpdated())
	assert.Equal(t, "Patient/123", res.String("subject", "reference"))
	assert.Nil(t, res.Value("subject", "missing"))
	assert.Nil(t, res.Object("status"))
}

func TestParseResource_RejectsNonObjects(t *testing.T) {
	for _, body := range []string{`[]`, `"text"`, `null`, `{`, ``} {
		_, err := ParseResource([]byte(body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestResource_Codes(t *testing.T) {
	res, err := ParseResource([]byte(labObservation))
	require.NoError(t, err)

	cats := res.Codes("category")
	require.Len(t, cats, 1)
	assert.Equal(t, "laboratory", cats[0].Code)
	assert.True(t, res.HasCode("LABORATORY", "category"))
	assert.False(t, res.HasCode("vital-signs", "category"))

	codes := res.Codes("code")
	require.Len(t, codes, 1)
	assert.Equal(t, Coding{System: "http://loinc.org", Code: "2345-7", Display: "Glucose"}, codes[0])
}

func TestResource_Codes_EncounterClassShapes(t *testing.T) {
	r4, err := NewResource(map[string]any{
		"resourceType": "Encounter",
		"class":        map[string]any{"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "IMP"},
	})
	require.NoError(t, err)
	assert.True(t, r4.HasCode("IMP", "class"))

	r5, err := NewResource(map[string]any{
		"resourceType": "Encounter",
		"class": []any{
			map[string]any{"coding": []any{map[string]any{"code": "EMER"}}},
		},
	})
	require.NoError(t, err)
	assert.True(t, r5.HasCode("EMER", "class"))
}

func TestResource_CompactKeepsContent(t *testing.T) {
	res, err := ParseResource([]byte(labObservation))
	require.NoError(t, err)

	var original, compacted map[string]any
	require.NoError(t, json.Unmarshal([]byte(labObservation), &original))
	require.NoError(t, json.Unmarshal([]byte(res.Compact()), &compacted))
	assert.Equal(t, original, compacted)
	assert.NotContains(t, res.Compact(), "\n")
}
