// ABOUTME: Built-in topic catalogue mapping topic names to curated RSS sources
// ABOUTME: Free callers may read these topics; anything else needs unlimited_topics

package feeds

import (
	"sort"
	"strings"
)

// Source is a named feed URL.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

var builtinTopics = map[string][]Source{
	"tech": {
		{Name: "TechCrunch", URL: "https://techcrunch.com/feed/"},
		{Name: "The Verge", URL: "https://www.theverge.com/rss/index.xml"},
		{Name: "Ars Technica", URL: "https://feeds.arstechnica.com/arstechnica/index"},
	},
	"business": {
		{Name: "Wall Street Journal", URL: "https://feeds.a.dj.com/rss/RSSWorldNews.xml"},
		{Name: "Bloomberg", URL: "https://www.bloomberg.com/feed/podcast/business-of-sports.xml"},
		{Name: "Forbes", URL: "https://www.forbes.com/real-time/feed2/"},
	},
	"science": {
		{Name: "Scientific American", URL: "https://www.scientificamerican.com/feed/"},
		{Name: "Nature", URL: "https://www.nature.com/nature.rss"},
		{Name: "Science Daily", URL: "https://www.sciencedaily.com/rss/all.xml"},
	},
}

// TopicSources returns the curated sources for a built-in topic.
func TopicSources(topic string) ([]Source, bool) {
	sources, ok := builtinTopics[strings.ToLower(strings.TrimSpace(topic))]
	if !ok {
		return nil, false
	}
	out := make([]Source, len(sources))
	copy(out, sources)
	return out, true
}

// IsBuiltinTopic reports whether topic is in the built-in catalogue.
func IsBuiltinTopic(topic string) bool {
	_, ok := builtinTopics[strings.ToLower(strings.TrimSpace(topic))]
	return ok
}

// Topics lists the built-in topic names in alphabetical order.
func Topics() []string {
	names := make([]string, 0, len(builtinTopics))
	for name := range builtinTopics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
