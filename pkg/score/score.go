// Package score maps work item metadata to a queue priority.
package score

import (
	"strings"
	"time"
	"unicode"
)

// DefaultSources are the high-trust news sources and their bonus.
var DefaultSources = map[string]float64{
	"kompas.com":        20,
	"detik.com":         20,
	"tempo.co":          20,
	"antaranews.com":    18,
	"bbc.com":           18,
	"cnbcindonesia.com": 18,
	"republika.co.id":   15,
	"katadata.co.id":    15,
	"theguardian.com":   15,
	"nytimes.com":       15,
}

// DefaultKeywords are trending title keywords and their per-match bonus.
var DefaultKeywords = map[string]float64{
	"pemerintah":    10,
	"saham":         10,
	"teknologi":     10,
	"pemilu":        10,
	"politik":       10,
	"corona":        10,
	"vaksin":        10,
	"ekonomi":       8,
	"kesehatan":     8,
	"nasional":      8,
	"internasional": 8,
	"bisnis":        8,
	"kriminal":      8,
	"bencana":       8,
	"olahraga":      5,
	"hiburan":       5,
	"pendidikan":    5,
	"cuaca":         3,
}

const (
	DefaultKeywordCap     = 30
	DefaultRecencyBonus   = 5
	DefaultRecencyHorizon = 48 * time.Hour
)

type Weights struct {
	Sources        map[string]float64
	Keywords       map[string]float64
	KeywordCap     float64
	RecencyBonus   float64
	RecencyHorizon time.Duration
}

func DefaultWeights() Weights {
	return Weights{
		Sources:        DefaultSources,
		Keywords:       DefaultKeywords,
		KeywordCap:     DefaultKeywordCap,
		RecencyBonus:   DefaultRecencyBonus,
		RecencyHorizon: DefaultRecencyHorizon,
	}
}

type Metadata struct {
	Source      string
	Title       string
	PublishedAt *time.Time
}

// Scorer is immutable after construction and safe for concurrent use.
type Scorer struct {
	sources  map[string]float64
	keywords []keyword
	weights  Weights
}

type keyword struct {
	tokens []string
	bonus  float64
}

func New(w Weights) *Scorer {
	s := &Scorer{
		sources: make(map[string]float64, len(w.Sources)),
		weights: w,
	}
	for name, bonus := range w.Sources {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if prev, ok := s.sources[name]; !ok || bonus > prev {
			s.sources[name] = bonus
		}
	}
	// Entries that normalize to the same key keep the largest bonus.
	index := make(map[string]int, len(w.Keywords))
	for word, bonus := range w.Keywords {
		tokens := tokenize(word)
		if len(tokens) == 0 {
			continue
		}
		key := strings.Join(tokens, " ")
		if i, ok := index[key]; ok {
			s.keywords[i].bonus = max(s.keywords[i].bonus, bonus)
			continue
		}
		index[key] = len(s.keywords)
		s.keywords = append(s.keywords, keyword{tokens: tokens, bonus: bonus})
	}
	return s
}

// Score returns the priority of an item as of now. Same inputs, same score.
func (s *Scorer) Score(m Metadata, now time.Time) float64 {
	return s.SourceBonus(m.Source) + s.KeywordBonus(m.Title) + s.RecencyBonus(m.PublishedAt, now)
}

// SourceBonus picks the largest bonus among matching sources.
func (s *Scorer) SourceBonus(source string) float64 {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return 0
	}
	var best float64
	for name, bonus := range s.sources {
		if matchesSource(source, name) && bonus > best {
			best = bonus
		}
	}
	return best
}

func matchesSource(source, name string) bool {
	return source == name || strings.HasSuffix(source, "."+name) || strings.Contains(source, name)
}

func (s *Scorer) KeywordBonus(title string) float64 {
	tokens := tokenize(title)
	if len(tokens) == 0 {
		return 0
	}
	var total float64
	for _, kw := range s.keywords {
		if containsRun(tokens, kw.tokens) {
			total += kw.bonus
		}
	}
	if s.weights.KeywordCap > 0 && total > s.weights.KeywordCap {
		return s.weights.KeywordCap
	}
	return total
}

// RecencyBonus decays linearly to zero at the configured horizon.
func (s *Scorer) RecencyBonus(publishedAt *time.Time, now time.Time) float64 {
	horizon := s.weights.RecencyHorizon
	if publishedAt == nil || horizon <= 0 || s.weights.RecencyBonus <= 0 {
		return 0
	}
	age := now.Sub(*publishedAt)
	if age < 0 {
		age = 0
	}
	if age >= horizon {
		return 0
	}
	return s.weights.RecencyBonus * (1 - float64(age)/float64(horizon))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsRun(tokens, run []string) bool {
	if len(run) == 0 || len(run) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(tokens); i++ {
		for j := range run {
			if tokens[i+j] != run[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
