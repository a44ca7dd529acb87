package fhirstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
)

const obsName = "projects/p/locations/us/datasets/d/fhirStores/s/fhir/Observation/obs-1"

func TestFetch_Success(t *testing.T) {
	var gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Observation", "id": "obs-1", "status": "final"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	res, err := c.Fetch(context.Background(), fhir.ParseLocator(obsName))
	require.NoError(t, err)

	assert.Equal(t, "/v1/"+obsName, gotPath)
	assert.Equal(t, "application/fhir+json", gotAccept)
	assert.Equal(t, "Observation", res.Type())
	assert.Equal(t, "obs-1", res.ID())
	assert.Equal(t, `{"resourceType":"Observation","id":"obs-1","status":"final"}`, res.Compact())
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"issue":[{"diagnostics":"resource not found"}]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Fetch(context.Background(), fhir.ParseLocator(obsName))
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Contains(t, fe.Body, "resource not found")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "404 Not Found for "+obsName)
}

func TestFetch_ErrorBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Fetch(context.Background(), fhir.ParseLocator(obsName))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe.Body, maxErrorBody)
	assert.False(t, IsNotFound(err))
}

func TestFetch_NotAnObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Fetch(context.Background(), fhir.ParseLocator(obsName))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse "+obsName)
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, WithTimeout(50*time.Millisecond)).Fetch(context.Background(), fhir.ParseLocator(obsName))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetch_EmptyLocator(t *testing.T) {
	_, err := New("http://unused").Fetch(context.Background(), fhir.Locator{})
	assert.Error(t, err)
}

func TestURL(t *testing.T) {
	c := New("https://healthcare.googleapis.com/v1/")
	assert.Equal(t,
		"https://healthcare.googleapis.com/v1/"+obsName,
		c.URL(fhir.ParseLocator("/"+obsName)),
	)
}
