package geo

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const providerResponse = `{
	"type": "FeatureCollection",
	"features": [{
		"type": "Feature",
		"geometry": {
			"type": "Polygon",
			"coordinates": [[[77.07,28.50],[77.08,28.51],[77.06,28.52],[77.07,28.50]]]
		},
		"properties": {"source": "test"}
	}]
}`

func newTestClient(t *testing.T) Client {
	t.Helper()
	client := NewClient("https://geo.test", "test-key", 5*time.Second)
	rc := client.(*restyClient)
	httpmock.ActivateNonDefault(rc.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestFetchCatchmentSuccess(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", "https://geo.test/v1/geojson/catchment",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			assert.Equal(t, "28.5065", q.Get("latitude"))
			assert.Equal(t, "77.0739", q.Get("longitude"))
			assert.Equal(t, "DRIVE_DISTANCE", q.Get("catchment_type"))
			assert.Equal(t, "500", q.Get("drive_distance"))
			assert.Equal(t, "HIGH", q.Get("accuracy_time_based"))
			assert.Equal(t, "test-key", req.Header.Get("x-api-key"))
			return httpmock.NewStringResponse(200, providerResponse), nil
		})

	raw, err := client.FetchCatchment(context.Background(), 28.5065, 77.0739, CatchmentDriveDistance, 500)
	require.NoError(t, err)
	assert.JSONEq(t, providerResponse, string(raw))
}

func TestFetchCatchmentDriveTimeParam(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", "https://geo.test/v1/geojson/catchment",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			assert.Equal(t, "DRIVE_TIME", q.Get("catchment_type"))
			assert.Equal(t, "20", q.Get("drive_time"))
			assert.Empty(t, q.Get("drive_distance"))
			return httpmock.NewStringResponse(200, providerResponse), nil
		})

	_, err := client.FetchCatchment(context.Background(), 28.5065, 77.0739, CatchmentDriveTime, 20)
	require.NoError(t, err)
}

func TestFetchCatchmentErrorMapping(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{401, ErrUnauthorized},
		{403, ErrForbidden},
		{402, ErrQuotaExceeded},
		{500, ErrUpstream},
		{418, ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t)
			httpmock.RegisterResponder("GET", "https://geo.test/v1/geojson/catchment",
				httpmock.NewStringResponder(tt.status, `{"error":"nope"}`))

			_, err := client.FetchCatchment(context.Background(), 28.5065, 77.0739, CatchmentDriveDistance, 500)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExtractPolygon(t *testing.T) {
	out, err := ExtractPolygon(json.RawMessage(providerResponse))
	require.NoError(t, err)

	var fc featureCollection
	require.NoError(t, json.Unmarshal([]byte(out), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.Type)

	var rings [][][2]float64
	require.NoError(t, json.Unmarshal(fc.Features[0].Geometry.Coordinates, &rings))
	require.Len(t, rings, 1)
	assert.Len(t, rings[0], 4)
}

func TestExtractPolygonMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"no features", `{"type":"FeatureCollection","features":[]}`},
		{"missing coordinates", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Polygon"}}]}`},
		{"empty coordinates", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Polygon","coordinates":[]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractPolygon(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestRowErrorMessage(t *testing.T) {
	assert.Equal(t,
		"Catchment API: Not enough credits (HTTP 402). Please check your API quota or upgrade your plan.",
		RowErrorMessage(ErrQuotaExceeded))
	assert.Equal(t,
		"Catchment API: Unauthorized (HTTP 401). Your API key is invalid or expired.",
		RowErrorMessage(ErrUnauthorized))
	assert.Equal(t,
		"Catchment API: Forbidden (HTTP 403). Your API key does not have access.",
		RowErrorMessage(ErrForbidden))
	assert.Contains(t, RowErrorMessage(ErrMalformedResponse), "GeoJSON error:")
}
