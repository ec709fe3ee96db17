// Package weather is the built-in forecast module.
package weather

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/hrygo/divinesense-router/ai/cache"
	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/plugin/manifest"
)

//go:embed manifest.yaml
var manifestYAML []byte

// rainLikely is the precipitation chance from which rain is reported as likely.
const rainLikely = 50

// Config locates the forecast API and the place to forecast for.
type Config struct {
	BaseURL    string
	Location   string
	Latitude   float64
	Longitude  float64
	Days       int
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.open-meteo.com"
	}
	if c.Location == "" {
		c.Location, c.Latitude, c.Longitude = "Berlin", 52.52, 13.41
	}
	if c.Days <= 0 {
		c.Days = 7
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 10 * time.Minute
	}
	return c
}

// Module answers weather questions from a cached daily forecast.
type Module struct {
	cfg    Config
	client *Client
	cache  *cache.LRU[string, []Forecast]
	now    func() time.Time
}

func New(cfg Config) *Module {
	cfg = cfg.withDefaults()
	return &Module{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.Latitude, cfg.Longitude, cfg.HTTPClient),
		cache:  cache.NewLRU[string, []Forecast](4, cfg.CacheTTL),
		now:    time.Now,
	}
}

func (m *Module) Name() string     { return "weather" }
func (m *Module) Manifest() []byte { return manifestYAML }

// Register adds the module's handler ids to the catalog.
func (m *Module) Register(c *manifest.Catalog) error {
	if err := c.RegisterHandler("weather.forecast", routing.HandlerFunc(m.forecast)); err != nil {
		return err
	}
	if err := c.RegisterHandler("weather.rain", routing.HandlerFunc(m.rain)); err != nil {
		return err
	}
	return c.RegisterExpert("weather.expert", m.expert)
}

func (m *Module) forecast(ctx context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	day := m.day(slots)
	f, ok, err := m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &routing.HandlerResult{Text: m.outOfRange()}, nil
	}
	return &routing.HandlerResult{Text: m.forecastText(day, f), Data: forecastData(f)}, nil
}

func (m *Module) rain(ctx context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	day := m.day(slots)
	f, ok, err := m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &routing.HandlerResult{Text: m.outOfRange()}, nil
	}
	return &routing.HandlerResult{Text: m.rainText(day, f), Data: forecastData(f)}, nil
}

// expert answers a rain question or gives the forecast, for today or
// tomorrow as the subtask says.
func (m *Module) expert(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
	day := m.day(task.Slots)
	askRain := false
	for _, tok := range routing.Tokenize(task.Description) {
		switch tok {
		case "tomorrow":
			if _, ok := task.Slots.Time("when"); !ok {
				day = m.now().AddDate(0, 0, 1)
			}
		case "rain", "raining", "umbrella", "wet":
			askRain = true
		}
	}

	f, ok, err := m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &routing.ExpertResult{Text: m.outOfRange()}, nil
	}
	text := m.forecastText(day, f)
	if askRain {
		text = m.rainText(day, f)
	}
	return &routing.ExpertResult{Text: text, Data: forecastData(f)}, nil
}

func (m *Module) day(slots routing.Slots) time.Time {
	if t, ok := slots.Time("when"); ok {
		return t
	}
	return m.now()
}

// lookup returns the forecast for day's date, fetching at most once per
// cache period.
func (m *Module) lookup(ctx context.Context, day time.Time) (Forecast, bool, error) {
	forecasts, ok := m.cache.Get("daily")
	if !ok {
		var err error
		forecasts, err = m.client.Daily(ctx, m.cfg.Days)
		if err != nil {
			return Forecast{}, false, err
		}
		m.cache.Set("daily", forecasts)
	}
	date := day.Format("2006-01-02")
	for _, f := range forecasts {
		if f.Date == date {
			return f, true, nil
		}
	}
	return Forecast{}, false, nil
}

func (m *Module) forecastText(day time.Time, f Forecast) string {
	return fmt.Sprintf("%s in %s: %s, %d to %d°C, %d%% chance of rain.",
		m.dayLabel(day), m.cfg.Location, describeCode(f.Code),
		int(math.Round(f.TempMin)), int(math.Round(f.TempMax)), f.RainChance)
}

func (m *Module) rainText(day time.Time, f Forecast) string {
	label := lower(m.dayLabel(day))
	if f.RainChance >= rainLikely {
		return fmt.Sprintf("Yes, rain is likely %s in %s (%d%% chance).", label, m.cfg.Location, f.RainChance)
	}
	return fmt.Sprintf("Rain is unlikely %s in %s (%d%% chance).", label, m.cfg.Location, f.RainChance)
}

func (m *Module) outOfRange() string {
	return fmt.Sprintf("I only have forecasts for the next %d days.", m.cfg.Days)
}

func (m *Module) dayLabel(day time.Time) string {
	now := m.now()
	switch day.Format("2006-01-02") {
	case now.Format("2006-01-02"):
		return "Today"
	case now.AddDate(0, 0, 1).Format("2006-01-02"):
		return "Tomorrow"
	}
	return "On " + day.Format("Monday")
}

func lower(label string) string {
	switch label {
	case "Today":
		return "today"
	case "Tomorrow":
		return "tomorrow"
	}
	return "on " + label[len("On "):]
}

func forecastData(f Forecast) map[string]any {
	return map[string]any{
		"date":        f.Date,
		"temp_max":    f.TempMax,
		"temp_min":    f.TempMin,
		"rain_chance": f.RainChance,
	}
}

// describeCode maps WMO weather interpretation codes to words.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code >= 85 && code <= 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorms"
	}
	return "mixed conditions"
}
