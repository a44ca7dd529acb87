package fhir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindLocator(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"projects/p/datasets/d/fhirStores/f/fhir/Observation/xyz", "projects/p/datasets/d/fhirStores/f/fhir/Observation/xyz"},
		{"Notification for projects/p/datasets/d/fhirStores/f/fhir/Encounter/enc1", "projects/p/datasets/d/fhirStores/f/fhir/Encounter/enc1"},
		{
			`{"x": "projects/p/locations/us/datasets/d/fhirStores/f/fhir/Patient/abc/_history/3"}`,
			"projects/p/locations/us/datasets/d/fhirStores/f/fhir/Patient/abc/_history/3",
		},
		{"some other string", ""},
	}
	for _, tt := range tests {
		got, ok := FindLocator(tt.text)
		assert.Equal(t, tt.want, got, "FindLocator(%q)", tt.text)
		assert.Equal(t, tt.want != "", ok)
	}
}

func TestProjectFromPath(t *testing.T) {
	assert.Equal(t, "hospigen", ProjectFromPath("projects/hospigen/datasets/ds/fhirStores/fs"))
	assert.Equal(t, "another-proj", ProjectFromPath("projects/another-proj/topics/t"))
	assert.Equal(t, "", ProjectFromPath("invalid/path"))
	assert.Equal(t, "", ProjectFromPath(""))
}

func TestParseLocator(t *testing.T) {
	l := ParseLocator("projects/p/locations/us-central1/datasets/d/fhirStores/s/fhir/Observation/obs1/_history/2")
	assert.Equal(t, "p", l.Project())
	assert.Equal(t, "Observation", l.ResourceType())
	assert.Equal(t, "obs1", l.ResourceID())
	assert.Equal(t, "2", l.Version())
	assert.Equal(t, "projects/p/locations/us-central1/datasets/d/fhirStores/s", l.StoreName())
}

func TestParseLocator_ShortName(t *testing.T) {
	l := ParseLocator("fhir/Observation/123")
	assert.Equal(t, "fhir/Observation/123", l.Name)
	assert.Equal(t, "", l.Project())
	assert.Equal(t, "Observation", l.ResourceType())
	assert.Equal(t, "123", l.ResourceID())
	assert.Equal(t, "", l.StoreName())
	assert.False(t, l.IsZero())
	assert.True(t, ParseLocator("  ").IsZero())
}
