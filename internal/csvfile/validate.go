package csvfile

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

type DriveMode int

const (
	DriveModeNone DriveMode = iota
	DriveModeDistance
	DriveModeTime
)

const (
	maxIDLength      = 255
	maxDriveDistance = 100000
	maxDriveTime     = 10000
	minGPSDecimals   = 4
)

var idPattern = regexp.MustCompile(`^[\w.\-@]+$`)

// Row is one CSV record as read from the input file, values untouched.
type Row struct {
	SnpID         string
	ProviderID    string
	LocationID    string
	LocationGPS   string
	DriveDistance string
	DriveTime     string
}

// RowValidation is the outcome of validating one row. Lat/Lon are only
// meaningful when HasCoords is set; DriveValue only when Mode is not
// DriveModeNone.
type RowValidation struct {
	Errors     []string
	Mode       DriveMode
	DriveValue int
	Lat        float64
	Lon        float64
	HasCoords  bool
}

func (v RowValidation) OK() bool {
	return len(v.Errors) == 0
}

// ValidateRow checks one record against the full rule set, accumulating every
// error rather than stopping at the first. It is pure: no storage, no network.
func ValidateRow(row Row) RowValidation {
	var v RowValidation

	for _, f := range []struct{ field, value string }{
		{"snp_id", row.SnpID},
		{"provider_id", row.ProviderID},
		{"location_id", row.LocationID},
	} {
		if err := validateIDField(f.field, f.value); err != "" {
			v.Errors = append(v.Errors, err)
		}
	}

	lat, lon, ok := parseGPS(row.LocationGPS)
	if !ok {
		v.Errors = append(v.Errors, "location_gps must be a string with two comma-separated floats, each with at least 4 decimals, valid range.")
	} else {
		v.Lat = roundTo4(lat)
		v.Lon = roundTo4(lon)
		v.HasCoords = true
	}

	mode, value, driveErrors := validateDriveValues(row.DriveDistance, row.DriveTime)
	v.Mode = mode
	v.DriveValue = value
	v.Errors = append(v.Errors, driveErrors...)

	return v
}

func validateIDField(field, value string) string {
	if value == "" {
		return fmt.Sprintf("%s must be a non-empty string.", field)
	}
	if len(value) > maxIDLength {
		return fmt.Sprintf("%s must be at most 255 characters.", field)
	}
	if !idPattern.MatchString(value) {
		return fmt.Sprintf("%s contains invalid characters.", field)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Sprintf("%s must not have leading/trailing whitespace.", field)
	}
	return ""
}

func parseGPS(value string) (lat, lon float64, ok bool) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	latStr, lonStr := parts[0], parts[1]
	if strings.TrimSpace(latStr) != latStr || strings.TrimSpace(lonStr) != lonStr {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, false
	}
	if decimalDigits(latStr) < minGPSDecimals || decimalDigits(lonStr) < minGPSDecimals {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func decimalDigits(s string) int {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

func roundTo4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func validateDriveValues(driveDistance, driveTime string) (DriveMode, int, []string) {
	var errs []string

	distancePresent := strings.TrimSpace(driveDistance) != ""
	timePresent := strings.TrimSpace(driveTime) != ""

	if !distancePresent && !timePresent {
		return DriveModeNone, 0, []string{"Either drive_distance or drive_time must be provided and non-empty."}
	}

	// drive_distance wins over drive_time when both are present and valid.
	if distancePresent {
		val, ok := parseInt(driveDistance)
		switch {
		case !ok:
			errs = append(errs, "drive_distance must be an integer if present.")
		case val <= 0:
			errs = append(errs, "drive_distance must be a positive integer.")
		case val > maxDriveDistance:
			errs = append(errs, "drive_distance is unreasonably large.")
		default:
			return DriveModeDistance, val, errs
		}
	}

	if timePresent {
		val, ok := parseInt(driveTime)
		switch {
		case !ok:
			errs = append(errs, "drive_time must be an integer if present.")
		case val <= 0:
			errs = append(errs, "drive_time must be a positive integer.")
		case val > maxDriveTime:
			errs = append(errs, "drive_time is unreasonably large.")
		default:
			return DriveModeTime, val, errs
		}
	}

	return DriveModeNone, 0, errs
}

// parseInt accepts plain integers and float strings, truncating the latter.
func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}
