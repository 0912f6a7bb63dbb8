package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/pkg/models"
)

// ErrUnavailable means the secondary source could not produce a payload
var ErrUnavailable = errors.New("fallback source unavailable")

// Client fetches current conditions from the secondary HTTP API when
// primary extraction is exhausted. Without an API key the client reports
// itself disabled and every fetch fails.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a fallback client for the given API base URL
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether an API key is configured
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type apiResponse struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// Fetch queries the secondary source for a subject's current conditions
func (c *Client) Fetch(ctx context.Context, subject string) (*models.Conditions, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}

	q := url.Values{}
	q.Set("q", subject)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("fallback source rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("subject", subject))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrUnavailable, err)
	}

	out := &models.Conditions{
		City:         body.Name,
		Country:      body.Sys.Country,
		TemperatureC: body.Main.Temp,
		FeelsLikeC:   body.Main.FeelsLike,
		Humidity:     body.Main.Humidity,
		Pressure:     fmt.Sprintf("%d hPa", body.Main.Pressure),
		WindSpeedMS:  body.Wind.Speed,
		Source:       models.SourceFallback,
		ObservedAt:   time.Now(),
	}
	if len(body.Weather) > 0 {
		out.Description = body.Weather[0].Description
		if out.Description == "" {
			out.Description = body.Weather[0].Main
		}
	}
	return out, nil
}
