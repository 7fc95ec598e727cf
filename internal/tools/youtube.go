package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTubeConfig configures the youtube_search tool.
type YouTubeConfig struct {
	APIKey string
	// Endpoint overrides the API base URL.
	Endpoint string
}

// YouTubeSearchTool searches YouTube for a relevant video.
func YouTubeSearchTool(cfg YouTubeConfig) Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "youtube_search",
			Description: "주어진 검색어로 유튜브에서 관련성 높은 영상을 검색하여 제목과 링크를 반환합니다. 운동법이나 스트레칭 영상을 추천할 때 사용합니다.",
			Parameters: objectSchema(map[string]interface{}{
				"query": stringParam("유튜브 검색어 (예: '거북목 스트레칭')"),
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
			if cfg.APIKey == "" {
				return "", fmt.Errorf("%w: YOUTUBE_API_KEY not set", ErrConfiguration)
			}

			opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
			if cfg.Endpoint != "" {
				opts = append(opts, option.WithEndpoint(cfg.Endpoint))
			}
			svc, err := youtube.NewService(ctx, opts...)
			if err != nil {
				return "", &ExternalServiceError{Service: "YouTube", Err: err}
			}
			resp, err := svc.Search.List([]string{"snippet"}).
				Q(args.Query).
				Type("video").
				MaxResults(5).
				RelevanceLanguage("ko").
				Context(ctx).
				Do()
			if err != nil {
				return "", &ExternalServiceError{Service: "YouTube", Err: err}
			}

			for _, item := range resp.Items {
				if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
					continue
				}
				slog.Debug("youtube_search: video found", "query", args.Query, "videoID", item.Id.VideoId)
				return fmt.Sprintf("'%s' 관련 영상: '%s'\n링크: https://www.youtube.com/watch?v=%s", args.Query, item.Snippet.Title, item.Id.VideoId), nil
			}
			return fmt.Sprintf("'%s'에 대한 유튜브 영상을 찾을 수 없습니다.", args.Query), nil
		},
	}
}
