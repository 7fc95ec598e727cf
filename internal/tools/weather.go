package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// DefaultOpenWeatherURL is the current-weather endpoint.
const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

// WeatherConfig configures the get_weather tool.
type WeatherConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// WeatherTool reports current weather for a location.
func WeatherTool(cfg WeatherConfig) Tool {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenWeatherURL
	}
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "get_weather",
			Description: "주어진 위치의 현재 날씨(상태, 기온, 체감 온도)를 가져옵니다. 야외 운동을 추천하기 전에 사용합니다.",
			Parameters: objectSchema(map[string]interface{}{
				"location": stringParam("도시 이름 (예: 'Seoul')"),
			}, "location"),
		},
		Cacheable: true,
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Location string `json:"location"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := requireString("location", args.Location); err != nil {
				return "", err
			}
			if cfg.APIKey == "" {
				return "", fmt.Errorf("%w: OPENWEATHER_API_KEY not set", ErrConfiguration)
			}
			q := url.Values{}
			q.Set("q", args.Location)
			q.Set("appid", cfg.APIKey)
			q.Set("lang", "kr")
			q.Set("units", "metric")
			data, err := getJSON(ctx, cfg.HTTPClient, "OpenWeatherMap", cfg.BaseURL, q, nil)
			if err != nil {
				return "", err
			}
			desc := data.Get("weather.0.description")
			temp := data.Get("main.temp")
			feels := data.Get("main.feels_like")
			if !desc.Exists() || !temp.Exists() {
				return "", &ExternalServiceError{Service: "OpenWeatherMap", Err: fmt.Errorf("unexpected response shape")}
			}
			return fmt.Sprintf("현재 %s의 날씨는 '%s'이며, 온도는 %s°C, 체감 온도는 %s°C 입니다.",
				args.Location, desc.String(), temp.Raw, feels.Raw), nil
		},
	}
}
