package services

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimezoneInfo describes one IANA zone for the booking page picker
type TimezoneInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Offset      string `json:"offset"`
	OffsetMins  int    `json:"offsetMins"`
}

// TimezoneGroup holds the zones of one region, ordered by offset
type TimezoneGroup struct {
	Region    string         `json:"region"`
	Timezones []TimezoneInfo `json:"timezones"`
}

// TimezoneService serves the grouped zone catalog. Offsets are computed once
// at startup; a DST shift during process lifetime leaves the displayed offset
// approximate, which the picker tolerates.
type TimezoneService struct {
	groups []TimezoneGroup
}

// NewTimezoneService creates a new timezone service with precomputed data
func NewTimezoneService() *TimezoneService {
	return &TimezoneService{
		groups: buildTimezoneGroups(time.Now()),
	}
}

// GetTimezones returns all timezone groups
func (s *TimezoneService) GetTimezones() []TimezoneGroup {
	return s.groups
}

// timezoneRegions lists the catalog in display order.
var timezoneRegions = []struct {
	region string
	zones  []string
}{
	{"Americas", []string{
		"America/New_York", "America/Chicago", "America/Denver",
		"America/Los_Angeles", "America/Phoenix", "America/Anchorage",
		"America/Toronto", "America/Vancouver", "America/Mexico_City",
		"America/Bogota", "America/Lima", "America/Santiago",
		"America/Buenos_Aires", "America/Sao_Paulo", "America/Caracas",
		"America/Halifax", "America/St_Johns", "Pacific/Honolulu",
	}},
	{"Europe", []string{
		"Europe/London", "Europe/Dublin", "Europe/Paris", "Europe/Berlin",
		"Europe/Amsterdam", "Europe/Brussels", "Europe/Madrid", "Europe/Rome",
		"Europe/Vienna", "Europe/Zurich", "Europe/Stockholm", "Europe/Oslo",
		"Europe/Copenhagen", "Europe/Helsinki", "Europe/Warsaw", "Europe/Prague",
		"Europe/Budapest", "Europe/Bucharest", "Europe/Athens", "Europe/Istanbul",
		"Europe/Moscow", "Europe/Kiev", "Europe/Lisbon",
	}},
	{"Asia", []string{
		"Asia/Dubai", "Asia/Riyadh", "Asia/Tehran", "Asia/Karachi",
		"Asia/Kolkata", "Asia/Dhaka", "Asia/Bangkok", "Asia/Ho_Chi_Minh",
		"Asia/Jakarta", "Asia/Singapore", "Asia/Kuala_Lumpur", "Asia/Manila",
		"Asia/Hong_Kong", "Asia/Shanghai", "Asia/Taipei", "Asia/Seoul",
		"Asia/Tokyo", "Asia/Vladivostok",
	}},
	{"Pacific", []string{
		"Pacific/Auckland", "Pacific/Fiji", "Pacific/Guam", "Pacific/Port_Moresby",
		"Australia/Sydney", "Australia/Melbourne", "Australia/Brisbane",
		"Australia/Perth", "Australia/Adelaide", "Australia/Darwin",
	}},
	{"Africa", []string{
		"Africa/Cairo", "Africa/Johannesburg", "Africa/Lagos", "Africa/Nairobi",
		"Africa/Casablanca", "Africa/Tunis", "Africa/Algiers",
	}},
	{"Atlantic", []string{
		"Atlantic/Azores", "Atlantic/Cape_Verde", "Atlantic/Reykjavik",
	}},
	{"Other", []string{"UTC"}},
}

// buildTimezoneGroups resolves the catalog against the zone database,
// dropping zones the runtime cannot load.
func buildTimezoneGroups(now time.Time) []TimezoneGroup {
	groups := make([]TimezoneGroup, 0, len(timezoneRegions))
	for _, reg := range timezoneRegions {
		timezones := make([]TimezoneInfo, 0, len(reg.zones))
		for _, id := range reg.zones {
			loc, err := time.LoadLocation(id)
			if err != nil {
				continue
			}
			_, offsetSecs := now.In(loc).Zone()
			timezones = append(timezones, TimezoneInfo{
				ID:          id,
				DisplayName: zoneDisplayName(id),
				Offset:      formatUTCOffset(offsetSecs),
				OffsetMins:  offsetSecs / 60,
			})
		}

		sort.Slice(timezones, func(i, j int) bool {
			if timezones[i].OffsetMins != timezones[j].OffsetMins {
				return timezones[i].OffsetMins < timezones[j].OffsetMins
			}
			return timezones[i].DisplayName < timezones[j].DisplayName
		})

		groups = append(groups, TimezoneGroup{Region: reg.region, Timezones: timezones})
	}
	return groups
}

// formatUTCOffset renders an offset in seconds as "UTC+5:30" style.
func formatUTCOffset(offsetSecs int) string {
	mins := offsetSecs / 60
	sign := "+"
	if mins < 0 {
		sign = "-"
		mins = -mins
	}
	if mins%60 == 0 {
		return fmt.Sprintf("UTC%s%d", sign, mins/60)
	}
	return fmt.Sprintf("UTC%s%d:%02d", sign, mins/60, mins%60)
}

var zoneDisplayNames = map[string]string{
	"America/New_York":     "Eastern Time (US & Canada)",
	"America/Chicago":      "Central Time (US & Canada)",
	"America/Denver":       "Mountain Time (US & Canada)",
	"America/Los_Angeles":  "Pacific Time (US & Canada)",
	"America/Phoenix":      "Arizona",
	"America/Anchorage":    "Alaska",
	"America/Mexico_City":  "Mexico City",
	"America/Buenos_Aires": "Buenos Aires",
	"America/Sao_Paulo":    "Sao Paulo",
	"America/Halifax":      "Atlantic Time (Canada)",
	"America/St_Johns":     "Newfoundland",
	"Pacific/Honolulu":     "Hawaii",
	"Europe/Kiev":          "Kyiv",
	"Asia/Kolkata":         "Mumbai, Kolkata, New Delhi",
	"Asia/Ho_Chi_Minh":     "Ho Chi Minh City",
	"Asia/Kuala_Lumpur":    "Kuala Lumpur",
	"Asia/Hong_Kong":       "Hong Kong",
	"Asia/Shanghai":        "Beijing, Shanghai",
	"Pacific/Port_Moresby": "Port Moresby",
	"Atlantic/Cape_Verde":  "Cape Verde",
	"UTC":                  "Coordinated Universal Time (UTC)",
}

// zoneDisplayName prefers the curated name and otherwise derives one from the
// city part of the IANA id.
func zoneDisplayName(id string) string {
	if name, ok := zoneDisplayNames[id]; ok {
		return name
	}
	city := id
	if i := strings.LastIndex(id, "/"); i >= 0 {
		city = id[i+1:]
	}
	return strings.ReplaceAll(city, "_", " ")
}
