package site

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRe  = regexp.MustCompile(`(-?\d+\.?\d*)`)
	windDirRe = regexp.MustCompile(`^([A-Z]{1,3})\b`)
)

// cleanNumber pulls the first numeric token out of display text like "72°"
// or "29.91 in"
func cleanNumber(text string) (float64, bool) {
	m := numberRe.FindString(strings.TrimSpace(text))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// fToC converts a Fahrenheit display value to Celsius, one decimal place
func fToC(f float64) float64 {
	return math.Round((f-32)*5/9*10) / 10
}

// mphToMS converts miles per hour to meters per second, one decimal place
func mphToMS(mph float64) float64 {
	return math.Round(mph*0.44704*10) / 10
}

// parseWind splits a reading like "NW 5 mph" into direction and speed.
// Readings without a number, like "Calm", report ok false.
func parseWind(text string) (dir string, speed float64, ok bool) {
	text = strings.TrimSpace(text)
	if m := windDirRe.FindStringSubmatch(text); m != nil {
		dir = m[1]
	}
	speed, ok = cleanNumber(text)
	return dir, speed, ok
}

// normalizeSpace collapses runs of whitespace into single spaces
func normalizeSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
