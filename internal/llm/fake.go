package llm

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// StubClient is a deterministic Client for tests.
type StubClient struct {
	mu       sync.Mutex
	Response string
	Err      error
	Calls    []GenerateRequest
}

func (s *StubClient) Name() string { return "stub" }

func (s *StubClient) Generate(_ context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, *req)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	text := s.Response
	if text == "" {
		text = "stub response"
	}
	return &GenerateResponse{Text: text, Model: "stub", TokensIn: 1, TokensOut: 1}, nil
}

// StubEmbedder derives a deterministic unit vector from the text hash, so
// equal texts embed identically and similarity math stays meaningful.
type StubEmbedder struct {
	Dimension int
}

func (s *StubEmbedder) Dim() int {
	if s.Dimension == 0 {
		return 8
	}
	return s.Dimension
}

func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := s.Dim()
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>32)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// StubClassifier returns a fixed sentiment.
type StubClassifier struct {
	Result Sentiment
}

func (s *StubClassifier) Classify(context.Context, string) (Sentiment, error) {
	if s.Result == "" {
		return SentimentNeutral, nil
	}
	return s.Result, nil
}
