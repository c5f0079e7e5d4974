package mcap

import "github.com/gobwas/glob"

// TopicFilter selects which channels a message iterator should yield,
// supporting an explicit topic list (treated as literals), a single glob
// pattern, or "no filter" (every topic).
type TopicFilter struct {
	globs []glob.Glob
}

// NewTopicFilter compiles patterns into a TopicFilter. A pattern with no
// glob metacharacters matches only that exact topic; any pattern containing
// '*', '?', or '[' is compiled as a gobwas/glob pattern. An empty patterns
// slice matches every topic.
func NewTopicFilter(patterns []string) (*TopicFilter, error) {
	tf := &TopicFilter{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		tf.globs = append(tf.globs, g)
	}
	return tf, nil
}

// Matches reports whether topic passes the filter. A filter with no
// patterns matches everything.
func (tf *TopicFilter) Matches(topic string) bool {
	if tf == nil || len(tf.globs) == 0 {
		return true
	}
	for _, g := range tf.globs {
		if g.Match(topic) {
			return true
		}
	}
	return false
}
