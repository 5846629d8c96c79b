package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Provider error taxonomy, distinguished by upstream status code so the job
// state machine can tell real credit exhaustion from everything else.
var (
	ErrUnauthorized      = errors.New("catchment API unauthorized")
	ErrForbidden         = errors.New("catchment API forbidden")
	ErrQuotaExceeded     = errors.New("catchment API quota exceeded")
	ErrUpstream          = errors.New("catchment API upstream error")
	ErrMalformedResponse = errors.New("catchment API malformed response")
)

const catchmentPath = "/v1/geojson/catchment"

type CatchmentType string

const (
	CatchmentDriveDistance CatchmentType = "DRIVE_DISTANCE"
	CatchmentDriveTime     CatchmentType = "DRIVE_TIME"
)

// Client fetches catchment polygons from the geocoding provider.
type Client interface {
	FetchCatchment(ctx context.Context, lat, lon float64, catchmentType CatchmentType, value int) (json.RawMessage, error)
}

type restyClient struct {
	http *resty.Client
}

// NewClient builds a provider client. Every call is bounded by timeout so a
// hung upstream never stalls the worker pool.
func NewClient(baseURL, apiKey string, timeout time.Duration) Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("x-api-key", apiKey).
		SetHeader("Accept", "application/json")
	return &restyClient{http: http}
}

func (c *restyClient) FetchCatchment(ctx context.Context, lat, lon float64, catchmentType CatchmentType, value int) (json.RawMessage, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("latitude", strconv.FormatFloat(lat, 'f', 4, 64)).
		SetQueryParam("longitude", strconv.FormatFloat(lon, 'f', 4, 64)).
		SetQueryParam("catchment_type", string(catchmentType)).
		SetQueryParam("accuracy_time_based", "HIGH")
	switch catchmentType {
	case CatchmentDriveDistance:
		req.SetQueryParam("drive_distance", strconv.Itoa(value))
	case CatchmentDriveTime:
		req.SetQueryParam("drive_time", strconv.Itoa(value))
	}

	resp, err := req.Get(catchmentPath)
	if err != nil {
		return nil, fmt.Errorf("catchment request failed: %v: %w", err, ErrUpstream)
	}

	switch resp.StatusCode() {
	case 200:
		// fall through
	case 401:
		log.Printf("ERROR: HTTP 401 from catchment API: key invalid or expired")
		return nil, ErrUnauthorized
	case 403:
		log.Printf("ERROR: HTTP 403 from catchment API: key not allowed")
		return nil, ErrForbidden
	case 402:
		log.Printf("ERROR: HTTP 402 from catchment API: not enough credits")
		return nil, ErrQuotaExceeded
	default:
		log.Printf("ERROR: HTTP %d from catchment API: %s", resp.StatusCode(), resp.String())
		return nil, fmt.Errorf("unexpected status %d: %w", resp.StatusCode(), ErrUpstream)
	}

	return json.RawMessage(resp.Body()), nil
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string                 `json:"type"`
	Geometry   geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ExtractPolygon normalizes a provider response into a single-polygon
// FeatureCollection built from the outer ring of the first feature's geometry.
func ExtractPolygon(raw json.RawMessage) (string, error) {
	var fc featureCollection
	if err := json.Unmarshal(raw, &fc); err != nil {
		return "", fmt.Errorf("invalid GeoJSON: %v: %w", err, ErrMalformedResponse)
	}
	if len(fc.Features) == 0 {
		return "", fmt.Errorf("no features found in GeoJSON response: %w", ErrMalformedResponse)
	}

	var rings []json.RawMessage
	if err := json.Unmarshal(fc.Features[0].Geometry.Coordinates, &rings); err != nil || len(rings) == 0 {
		return "", fmt.Errorf("invalid or missing coordinates in geometry: %w", ErrMalformedResponse)
	}
	outerRing := rings[0]

	polygon := featureCollection{
		Type: "FeatureCollection",
		Features: []feature{{
			Type: "Feature",
			Geometry: geometry{
				Type:        "Polygon",
				Coordinates: mustMarshalRings(outerRing),
			},
			Properties: map[string]interface{}{},
		}},
	}
	out, err := json.Marshal(polygon)
	if err != nil {
		return "", fmt.Errorf("marshal polygon: %w", err)
	}
	return string(out), nil
}

func mustMarshalRings(outerRing json.RawMessage) json.RawMessage {
	out, _ := json.Marshal([]json.RawMessage{outerRing})
	return out
}

// RowErrorMessage maps a provider failure to the error text recorded on the
// row. Credit exhaustion keeps its distinct text so status aggregation can
// recognize it.
func RowErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "Catchment API: Not enough credits (HTTP 402). Please check your API quota or upgrade your plan."
	case errors.Is(err, ErrUnauthorized):
		return "Catchment API: Unauthorized (HTTP 401). Your API key is invalid or expired."
	case errors.Is(err, ErrForbidden):
		return "Catchment API: Forbidden (HTTP 403). Your API key does not have access."
	default:
		return fmt.Sprintf("GeoJSON error: %v", err)
	}
}
