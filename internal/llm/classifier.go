package llm

import (
	"context"
	"strings"
)

// Sentiment is the classification of an inbound reply.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Classifier decides how an inbound reply should steer conditional steps.
type Classifier interface {
	Classify(ctx context.Context, text string) (Sentiment, error)
}

// KeywordClassifier is a lexicon-based classifier. It scores the text in
// [-1, 1] and maps the score through configurable thresholds.
type KeywordClassifier struct {
	PositiveThreshold float64
	NegativeThreshold float64
}

// NewKeywordClassifier creates a classifier with the given thresholds.
func NewKeywordClassifier(positive, negative float64) *KeywordClassifier {
	return &KeywordClassifier{PositiveThreshold: positive, NegativeThreshold: negative}
}

var positiveTerms = []string{
	"yes", "sure", "interested", "great", "sounds good", "let's", "please",
	"ja", "gerne", "interessiert", "super", "klingt gut",
}

var negativeTerms = []string{
	"no", "not interested", "stop", "unsubscribe", "never", "leave me",
	"nein", "kein interesse", "nicht mehr",
}

func (c *KeywordClassifier) Classify(_ context.Context, text string) (Sentiment, error) {
	lower := strings.ToLower(text)

	var score float64
	for _, term := range positiveTerms {
		if strings.Contains(lower, term) {
			score += 0.5
		}
	}
	for _, term := range negativeTerms {
		if strings.Contains(lower, term) {
			score -= 0.5
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	switch {
	case score >= c.PositiveThreshold:
		return SentimentPositive, nil
	case score <= c.NegativeThreshold:
		return SentimentNegative, nil
	default:
		return SentimentNeutral, nil
	}
}

// LLMClassifier delegates classification to the configured LLM provider and
// falls back to the keyword classifier on error.
type LLMClassifier struct {
	client   Client
	fallback *KeywordClassifier
}

// NewLLMClassifier creates an LLM-backed classifier.
func NewLLMClassifier(client Client, fallback *KeywordClassifier) *LLMClassifier {
	return &LLMClassifier{client: client, fallback: fallback}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (Sentiment, error) {
	resp, err := c.client.Generate(ctx, &GenerateRequest{
		SystemPrompt: "Classify the reply strictly as one word: positive, neutral or negative.",
		UserPrompt:   text,
		MaxTokens:    4,
	})
	if err != nil {
		return c.fallback.Classify(ctx, text)
	}

	switch strings.TrimSpace(strings.ToLower(resp.Text)) {
	case "positive":
		return SentimentPositive, nil
	case "negative":
		return SentimentNegative, nil
	default:
		return SentimentNeutral, nil
	}
}
