package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultNaverBaseURL is the Naver open API search root.
const DefaultNaverBaseURL = "https://openapi.naver.com/v1/search"

// NaverConfig configures the Naver search tools.
type NaverConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

func (c NaverConfig) search(ctx context.Context, kind string, q url.Values) (gjson.Result, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return gjson.Result{}, fmt.Errorf("%w: NAVER_DEV_CLIENT_ID and NAVER_DEV_CLIENT_SECRET must be set", ErrConfiguration)
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultNaverBaseURL
	}
	header := http.Header{}
	header.Set("X-Naver-Client-Id", c.ClientID)
	header.Set("X-Naver-Client-Secret", c.ClientSecret)
	return getJSON(ctx, c.HTTPClient, "Naver", strings.TrimRight(base, "/")+"/"+kind+".json", q, header)
}

var boldTags = strings.NewReplacer("<b>", "", "</b>", "")

// NaverNewsTool searches recent news articles.
func NaverNewsTool(cfg NaverConfig) Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "search_naver_news",
			Description: "Naver 뉴스에서 주어진 검색어에 대한 관련 기사 3개를 검색하고 요약합니다.",
			Parameters: objectSchema(map[string]interface{}{
				"query": stringParam("뉴스 검색어"),
			}, "query"),
		},
		Cacheable: true,
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := requireString("query", args.Query); err != nil {
				return "", err
			}
			q := url.Values{}
			q.Set("query", args.Query)
			q.Set("display", "3")
			q.Set("sort", "sim")
			data, err := cfg.search(ctx, "news", q)
			if err != nil {
				return "", err
			}
			items := data.Get("items").Array()
			if len(items) == 0 {
				return fmt.Sprintf("'%s'에 대한 뉴스 검색 결과가 없습니다.", args.Query), nil
			}
			results := make([]string, 0, len(items))
			for _, item := range items {
				results = append(results, fmt.Sprintf("- 제목: %s\n  (요약: %s...)\n  (링크: %s)",
					boldTags.Replace(item.Get("title").String()),
					boldTags.Replace(item.Get("description").String()),
					item.Get("link").String()))
			}
			return fmt.Sprintf("'%s'에 대한 최신 뉴스 검색 결과입니다:\n\n%s", args.Query, strings.Join(results, "\n\n")), nil
		},
	}
}

// NearbyPlacesTool searches local places such as clinics or gyms.
func NearbyPlacesTool(cfg NaverConfig) Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "find_nearby_places",
			Description: "주어진 검색어로 주변 장소를 찾습니다 (예: '동작구 주변 한의원').",
			Parameters: objectSchema(map[string]interface{}{
				"query": stringParam("지역과 장소 종류를 포함한 검색어"),
			}, "query"),
		},
		Cacheable: true,
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := requireString("query", args.Query); err != nil {
				return "", err
			}
			q := url.Values{}
			q.Set("query", args.Query)
			q.Set("display", "5")
			data, err := cfg.search(ctx, "local", q)
			if err != nil {
				return "", err
			}
			items := data.Get("items").Array()
			if len(items) == 0 {
				return fmt.Sprintf("'%s'에 대한 검색 결과가 없습니다.", args.Query), nil
			}
			results := make([]string, 0, len(items))
			for _, item := range items {
				results = append(results, fmt.Sprintf("- %s (%s)",
					boldTags.Replace(item.Get("title").String()),
					item.Get("address").String()))
			}
			return fmt.Sprintf("'%s'에 대한 주변 장소 검색 결과입니다:\n%s", args.Query, strings.Join(results, "\n")), nil
		},
	}
}
