package weather

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Forecast is one day of a daily forecast.
type Forecast struct {
	Date       string  `json:"date"`
	TempMax    float64 `json:"temp_max"`
	TempMin    float64 `json:"temp_min"`
	RainChance int     `json:"rain_chance"`
	Code       int     `json:"code"`
}

// Client reads daily forecasts from an Open-Meteo compatible API.
type Client struct {
	baseURL    string
	latitude   float64
	longitude  float64
	httpClient *http.Client
}

func NewClient(baseURL string, latitude, longitude float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		latitude:   latitude,
		longitude:  longitude,
		httpClient: httpClient,
	}
}

type dailyResponse struct {
	Daily struct {
		Time       []string  `json:"time"`
		TempMax    []float64 `json:"temperature_2m_max"`
		TempMin    []float64 `json:"temperature_2m_min"`
		RainChance []int     `json:"precipitation_probability_max"`
		Code       []int     `json:"weather_code"`
	} `json:"daily"`
}

// Daily fetches the forecast for the next days days, today first.
func (c *Client) Daily(ctx context.Context, days int) ([]Forecast, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.longitude, 'f', 4, 64))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_probability_max,weather_code")
	q.Set("timezone", "auto")
	q.Set("forecast_days", strconv.Itoa(days))
	endpoint := c.baseURL + "/v1/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct forecast request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch forecast")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read forecast response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("forecast request failed, status code: %d, response body: %s", resp.StatusCode, body)
	}

	var dr dailyResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal forecast response")
	}
	d := dr.Daily
	n := len(d.Time)
	if len(d.TempMax) < n || len(d.TempMin) < n || len(d.RainChance) < n || len(d.Code) < n {
		return nil, errors.New("forecast response has mismatched daily series")
	}
	out := make([]Forecast, n)
	for i := range d.Time {
		out[i] = Forecast{
			Date:       d.Time[i],
			TempMax:    d.TempMax[i],
			TempMin:    d.TempMin[i],
			RainChance: d.RainChance[i],
			Code:       d.Code[i],
		}
	}
	return out, nil
}
