package news

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "MCP-Trader/internal/errors"
)

// Article is one news item as stored in the article file.
type Article struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	URL       string   `json:"url,omitempty"`
	Source    string   `json:"source,omitempty"`
	Published string   `json:"published,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Tickers   []string `json:"tickers,omitempty"`
}

// Source supplies candidate articles.
type Source interface {
	Articles(ctx context.Context) ([]Article, error)
}

// StaticSource serves a fixed list of articles.
type StaticSource struct {
	items []Article
}

func NewStaticSource(items []Article) *StaticSource {
	return &StaticSource{items: append([]Article(nil), items...)}
}

// LoadStaticSource reads a JSON array of articles.
func LoadStaticSource(path string) (*StaticSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "article file path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve article path")
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open article file")
	}
	defer file.Close()

	var items []Article
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode article file")
	}
	return NewStaticSource(items), nil
}

func (s *StaticSource) Articles(context.Context) ([]Article, error) {
	if s == nil {
		return nil, nil
	}
	return append([]Article(nil), s.items...), nil
}

// Filter keeps articles matching any term, in source order, up to limit.
// No terms keeps everything; limit <= 0 means no cap.
func Filter(items []Article, terms []string, limit int) []Article {
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			normalized = append(normalized, term)
		}
	}

	out := make([]Article, 0, len(items))
	for _, item := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(normalized) == 0 || matches(item, normalized) {
			out = append(out, item)
		}
	}
	return out
}

func matches(a Article, terms []string) bool {
	text := strings.ToLower(a.Title + "\n" + a.Content)
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
		for _, list := range [][]string{a.Keywords, a.Tickers} {
			for _, v := range list {
				if strings.EqualFold(strings.TrimSpace(v), term) {
					return true
				}
			}
		}
	}
	return false
}
