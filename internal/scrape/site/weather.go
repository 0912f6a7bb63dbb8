package site

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/pkg/models"
)

// Search types a query into the header search and returns the suggested
// locations. An empty list means the site had no match.
func (s *Site) Search(ctx context.Context, ec *engine.ExecutionContext, query string) ([]models.Location, error) {
	page := ec.Page().Context(ctx)
	if err := s.navigate(ctx, page, s.baseURL); err != nil {
		return nil, err
	}
	if err := s.typeQuery(page, query); err != nil {
		return nil, err
	}
	els, err := s.suggestionList(page, suggestionWait)
	if err != nil {
		return nil, err
	}

	out := make([]models.Location, 0, len(els))
	for _, el := range els {
		name := elText(el)
		if name == "" {
			continue
		}
		loc := models.Location{Name: name}
		if id, aerr := el.Attribute("id"); aerr == nil && id != nil {
			loc.PlaceID = *id
		}
		out = append(out, loc)
	}
	return out, nil
}

// Current navigates to the subject's today page and extracts conditions
func (s *Site) Current(ctx context.Context, ec *engine.ExecutionContext, subject string) (*models.Conditions, error) {
	page := ec.Page().Context(ctx)
	if err := s.openToday(ctx, page, subject); err != nil {
		return nil, err
	}
	return s.extractCurrent(page)
}

// extractCurrent reads the today page into a Conditions payload. The
// container and temperature are mandatory; the rest is best effort because
// the page drops sections it has no data for.
func (s *Site) extractCurrent(page *rod.Page) (*models.Conditions, error) {
	has, container, err := page.Has(conditionsSel)
	if err != nil || !has {
		return nil, markup("current conditions container missing")
	}

	out := &models.Conditions{
		Source:     models.SourcePrimary,
		ObservedAt: time.Now(),
	}

	if name := textOf(container, "h1"); name != "" {
		if i := strings.Index(name, " Weather"); i > 0 {
			name = name[:i]
		}
		out.City = name
	}

	temp := textOf(container, tempValueSel)
	if temp == "" {
		return nil, markup("temperature value missing")
	}
	f, ok := cleanNumber(temp)
	if !ok {
		return nil, markup(fmt.Sprintf("temperature %q is not numeric", temp))
	}
	out.TemperatureC = fToC(f)

	if phrase := textOf(container, phraseSel); phrase != "" {
		out.Description = phrase
	}
	if els, eerr := container.Elements(hiLoSel); eerr == nil && len(els) >= 2 {
		if hi, hok := cleanNumber(elText(els[0])); hok {
			v := fToC(hi)
			out.HighC = &v
		}
		if lo, lok := cleanNumber(elText(els[1])); lok {
			v := fToC(lo)
			out.LowC = &v
		}
	}

	s.extractDetails(page, out)
	return out, nil
}

// extractDetails fills in the today's-details section: feels-like, wind,
// humidity, pressure, UV, visibility
func (s *Site) extractDetails(page *rod.Page, out *models.Conditions) {
	has, details, err := page.Has(detailsSel)
	if err != nil || !has {
		return
	}

	if feels := textOf(details, feelsLikeSel); feels != "" {
		if f, ok := cleanNumber(feels); ok {
			out.FeelsLikeC = fToC(f)
		}
	}

	items, err := details.Elements(detailItemSel)
	if err != nil {
		return
	}
	for _, item := range items {
		label := strings.ToLower(textOf(item, detailLabelSel))
		value := textOf(item, detailValueSel)
		if label == "" || value == "" {
			continue
		}
		switch {
		case strings.Contains(label, "wind"):
			if dir, speed, ok := parseWind(value); ok {
				out.WindDirection = dir
				out.WindSpeedMS = mphToMS(speed)
			}
		case strings.Contains(label, "humidity"):
			if n, ok := cleanNumber(value); ok {
				out.Humidity = int(n)
			}
		case strings.Contains(label, "pressure"):
			out.Pressure = pressureOf(item, value)
		case strings.Contains(label, "uv index"):
			out.UVIndex = value
		case strings.Contains(label, "visibility"):
			out.Visibility = value
		}
	}
}

// pressureOf combines the reading with the trend its arrow icon indicates
func pressureOf(item *rod.Element, fallbackValue string) string {
	value := textOf(item, pressureValueSel)
	if value == "" {
		value = fallbackValue
	}

	has, svg, err := item.Has("svg")
	if err != nil || !has {
		return value
	}
	trend := "falling"
	if label, aerr := svg.Attribute("aria-label"); aerr == nil && label != nil {
		if strings.Contains(strings.ToLower(*label), "up") {
			trend = "rising"
		}
	}
	return fmt.Sprintf("%s (%s)", value, trend)
}
