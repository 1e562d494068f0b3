// Package textanalytics scores free text: sentiment, entities and key
// phrases. The news agent uses it to annotate articles.
package textanalytics

import (
	"context"
	"unicode/utf8"
)

// MaxTextBytes is the longest input sent to an analyzer.
const MaxTextBytes = 5000

// Sentiment labels.
const (
	SentimentPositive = "POSITIVE"
	SentimentNegative = "NEGATIVE"
	SentimentNeutral  = "NEUTRAL"
	SentimentMixed    = "MIXED"
)

// Sentiment is the dominant label plus the per-label scores.
type Sentiment struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores"`
}

type Entity struct {
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

type KeyPhrase struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Analyzer is the text analytics collaborator.
type Analyzer interface {
	DetectSentiment(ctx context.Context, text string) (Sentiment, error)
	DetectEntities(ctx context.Context, text string) ([]Entity, error)
	DetectKeyPhrases(ctx context.Context, text string) ([]KeyPhrase, error)
}

// Config selects the analyzer: "neutral" (offline) or "comprehend".
type Config struct {
	Driver       string `yaml:"driver"`
	Region       string `yaml:"region"`
	LanguageCode string `yaml:"language_code" split_words:"true"`
}

// Analysis bundles the three detections for one text.
type Analysis struct {
	Sentiment  Sentiment   `json:"sentiment"`
	Entities   []Entity    `json:"entities"`
	KeyPhrases []KeyPhrase `json:"key_phrases"`
}

// Analyze runs all three detections on the truncated text.
func Analyze(ctx context.Context, a Analyzer, text string) (Analysis, error) {
	text = Truncate(text, MaxTextBytes)
	sentiment, err := a.DetectSentiment(ctx, text)
	if err != nil {
		return Analysis{}, err
	}
	entities, err := a.DetectEntities(ctx, text)
	if err != nil {
		return Analysis{}, err
	}
	phrases, err := a.DetectKeyPhrases(ctx, text)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{Sentiment: sentiment, Entities: entities, KeyPhrases: phrases}, nil
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Neutral reports every text as neutral with no entities. It keeps the news
// pipeline running where no analytics service is reachable.
type Neutral struct{}

func (Neutral) DetectSentiment(context.Context, string) (Sentiment, error) {
	return Sentiment{
		Label: SentimentNeutral,
		Scores: map[string]float64{
			SentimentPositive: 0,
			SentimentNegative: 0,
			SentimentNeutral:  1,
			SentimentMixed:    0,
		},
	}, nil
}

func (Neutral) DetectEntities(context.Context, string) ([]Entity, error) { return nil, nil }

func (Neutral) DetectKeyPhrases(context.Context, string) ([]KeyPhrase, error) { return nil, nil }
