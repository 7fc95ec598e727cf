package tools

// Config carries the settings of every built-in tool.
type Config struct {
	YouTube       YouTubeConfig
	Weather       WeatherConfig
	Naver         NaverConfig
	Calendar      CalendarConfig
	KnowledgeBase *KnowledgeBase
	TimeParser    *TimeParser
}

// NewDefaultRegistry registers all built-in tools. Tools without
// credentials are still registered and answer with a configuration message.
func NewDefaultRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.Register(HealthDataTool())
	r.Register(YouTubeSearchTool(cfg.YouTube))
	r.Register(CalendarSingleEventTool(cfg.Calendar))
	r.Register(CalendarRecurringEventTool(cfg.Calendar))
	r.Register(WeatherTool(cfg.Weather))
	r.Register(NaverNewsTool(cfg.Naver))
	r.Register(NearbyPlacesTool(cfg.Naver))
	kb := cfg.KnowledgeBase
	if kb == nil {
		kb = NewKnowledgeBase(KnowledgeBaseConfig{})
	}
	r.Register(kb.Tool())
	r.Register(NaturalTimeTool(cfg.TimeParser))
	return r
}
