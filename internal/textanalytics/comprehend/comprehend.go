// Package comprehend implements textanalytics.Analyzer on Amazon Comprehend.
package comprehend

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/textanalytics"
)

// API is the subset of the Comprehend client used here.
type API interface {
	DetectSentiment(ctx context.Context, in *comprehend.DetectSentimentInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectSentimentOutput, error)
	DetectEntities(ctx context.Context, in *comprehend.DetectEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectEntitiesOutput, error)
	DetectKeyPhrases(ctx context.Context, in *comprehend.DetectKeyPhrasesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectKeyPhrasesOutput, error)
}

type Analyzer struct {
	api      API
	language types.LanguageCode
}

// New wraps api. An empty language defaults to English.
func New(api API, language string) *Analyzer {
	if language == "" {
		language = string(types.LanguageCodeEn)
	}
	return &Analyzer{api: api, language: types.LanguageCode(language)}
}

// Open loads the default AWS configuration for cfg.Region.
func Open(ctx context.Context, cfg textanalytics.Config) (*Analyzer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load aws config")
	}
	return New(comprehend.NewFromConfig(awsCfg), cfg.LanguageCode), nil
}

func (a *Analyzer) DetectSentiment(ctx context.Context, text string) (textanalytics.Sentiment, error) {
	out, err := a.api.DetectSentiment(ctx, &comprehend.DetectSentimentInput{
		Text:         aws.String(text),
		LanguageCode: a.language,
	})
	if err != nil {
		return textanalytics.Sentiment{}, xerrors.Wrap(xerrors.CodeTransport, err, "comprehend detect sentiment")
	}
	s := textanalytics.Sentiment{Label: string(out.Sentiment), Scores: map[string]float64{}}
	if sc := out.SentimentScore; sc != nil {
		s.Scores[textanalytics.SentimentPositive] = float64(aws.ToFloat32(sc.Positive))
		s.Scores[textanalytics.SentimentNegative] = float64(aws.ToFloat32(sc.Negative))
		s.Scores[textanalytics.SentimentNeutral] = float64(aws.ToFloat32(sc.Neutral))
		s.Scores[textanalytics.SentimentMixed] = float64(aws.ToFloat32(sc.Mixed))
	}
	return s, nil
}

func (a *Analyzer) DetectEntities(ctx context.Context, text string) ([]textanalytics.Entity, error) {
	out, err := a.api.DetectEntities(ctx, &comprehend.DetectEntitiesInput{
		Text:         aws.String(text),
		LanguageCode: a.language,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "comprehend detect entities")
	}
	entities := make([]textanalytics.Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		entities = append(entities, textanalytics.Entity{
			Text:  aws.ToString(e.Text),
			Type:  string(e.Type),
			Score: float64(aws.ToFloat32(e.Score)),
		})
	}
	return entities, nil
}

func (a *Analyzer) DetectKeyPhrases(ctx context.Context, text string) ([]textanalytics.KeyPhrase, error) {
	out, err := a.api.DetectKeyPhrases(ctx, &comprehend.DetectKeyPhrasesInput{
		Text:         aws.String(text),
		LanguageCode: a.language,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "comprehend detect key phrases")
	}
	phrases := make([]textanalytics.KeyPhrase, 0, len(out.KeyPhrases))
	for _, p := range out.KeyPhrases {
		phrases = append(phrases, textanalytics.KeyPhrase{
			Text:  aws.ToString(p.Text),
			Score: float64(aws.ToFloat32(p.Score)),
		})
	}
	return phrases, nil
}
