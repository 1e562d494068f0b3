// Package news hosts the news agent: it selects articles for the cycle's
// tickers and annotates them with text analytics.
package news

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/textanalytics"
	"MCP-Trader/pkg/logger"
)

const topPhrases = 5

// Agent answers data_request/collect with annotated articles.
type Agent struct {
	source      Source
	analyzer    textanalytics.Analyzer
	keywords    []string
	maxArticles int
	now         func() time.Time
	logger      *zerolog.Logger
}

type Option func(*Agent)

// WithKeywords adds terms matched on top of the requested tickers.
func WithKeywords(keywords []string) Option {
	return func(a *Agent) { a.keywords = append([]string(nil), keywords...) }
}

func WithMaxArticles(n int) Option {
	return func(a *Agent) { a.maxArticles = n }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the agent. A nil analyzer falls back to textanalytics.Neutral.
func New(src Source, analyzer textanalytics.Analyzer, opts ...Option) (*Agent, error) {
	if src == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "news agent requires an article source")
	}
	if analyzer == nil {
		analyzer = textanalytics.Neutral{}
	}
	a := &Agent{
		source:      src,
		analyzer:    analyzer,
		maxArticles: 20,
		now:         time.Now,
		logger:      logger.Named("news"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *Agent) Handler() agent.Handler {
	return agent.NewRouter().OnFunc(envelope.TypeDataRequest, a.HandleCollect)
}

// HandleCollect filters the source by the requested tickers and configured
// keywords, then scores each article. An article the analyzer fails on is
// kept without annotations.
func (a *Agent) HandleCollect(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	if action := env.Content.String("action"); action != "" && action != "collect" {
		reply := envelope.Reply(env, envelope.Content{
			"status": "error",
			"error":  "unsupported action: " + action,
		})
		return &reply, nil
	}

	items, err := a.source.Articles(ctx)
	if err != nil {
		a.logger.Error().Err(err).Str("conversation_id", env.ConversationID).Msg("article source failed")
		reply := envelope.Reply(env, envelope.Content{
			"status": "error",
			"error":  xerrors.MessageOf(err),
		})
		return &reply, nil
	}

	terms := append(env.Content.Strings("tickers"), a.keywords...)
	selected := Filter(items, terms, a.maxArticles)

	articles := make([]map[string]any, 0, len(selected))
	analyses := make([]textanalytics.Analysis, 0, len(selected))
	for _, item := range selected {
		entry := map[string]any{
			"title":     item.Title,
			"url":       item.URL,
			"source":    item.Source,
			"published": item.Published,
			"tickers":   item.Tickers,
		}
		analysis, err := textanalytics.Analyze(ctx, a.analyzer, item.Title+"\n"+item.Content)
		if err != nil {
			a.logger.Warn().Err(err).Str("title", item.Title).Msg("article analysis failed")
			entry["analysis_error"] = xerrors.MessageOf(err)
		} else {
			entry["sentiment"] = analysis.Sentiment
			entry["entities"] = analysis.Entities
			entry["key_phrases"] = analysis.KeyPhrases
			analyses = append(analyses, analysis)
		}
		articles = append(articles, entry)
	}

	reply := envelope.Reply(env, envelope.Content{
		"status": "success",
		"news_data": map[string]any{
			"articles":  articles,
			"summary":   summarize(len(articles), analyses),
			"timestamp": a.now().UTC().Format(time.RFC3339Nano),
		},
	})
	return &reply, nil
}

// summarize counts labels and averages positive minus negative score.
func summarize(total int, analyses []textanalytics.Analysis) map[string]any {
	labels := map[string]int{}
	phraseCount := map[string]int{}
	var net float64
	for _, an := range analyses {
		labels[an.Sentiment.Label]++
		net += an.Sentiment.Scores[textanalytics.SentimentPositive] - an.Sentiment.Scores[textanalytics.SentimentNegative]
		for _, p := range an.KeyPhrases {
			phraseCount[p.Text]++
		}
	}
	if len(analyses) > 0 {
		net /= float64(len(analyses))
	}

	phrases := make([]string, 0, len(phraseCount))
	for p := range phraseCount {
		phrases = append(phrases, p)
	}
	sort.Slice(phrases, func(i, j int) bool {
		if phraseCount[phrases[i]] != phraseCount[phrases[j]] {
			return phraseCount[phrases[i]] > phraseCount[phrases[j]]
		}
		return phrases[i] < phrases[j]
	})
	if len(phrases) > topPhrases {
		phrases = phrases[:topPhrases]
	}

	return map[string]any{
		"article_count":   total,
		"analyzed_count":  len(analyses),
		"sentiment_count": labels,
		"net_sentiment":   net,
		"top_key_phrases": phrases,
	}
}
