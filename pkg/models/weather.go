package models

import "time"

// Data source identifiers attached to every Conditions payload
const (
	SourcePrimary  = "weather.com"
	SourceFallback = "fallback-api"
)

// Conditions is the current-weather payload served to callers
type Conditions struct {
	City          string    `json:"city"`
	Country       string    `json:"country,omitempty"`
	TemperatureC  float64   `json:"temperatureC"`
	FeelsLikeC    float64   `json:"feelsLikeC"`
	HighC         *float64  `json:"highC,omitempty"`
	LowC          *float64  `json:"lowC,omitempty"`
	Humidity      int       `json:"humidity"`
	Pressure      string    `json:"pressure,omitempty"`
	Description   string    `json:"description"`
	WindSpeedMS   float64   `json:"windSpeedMs"`
	WindDirection string    `json:"windDirection,omitempty"`
	UVIndex       string    `json:"uvIndex,omitempty"`
	Visibility    string    `json:"visibility,omitempty"`
	Source        string    `json:"source"`
	ObservedAt    time.Time `json:"observedAt"`
}

// Location is a single result from a location search
type Location struct {
	Name    string `json:"name"`
	PlaceID string `json:"placeId,omitempty"`
}
