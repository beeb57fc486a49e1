package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/docqa/internal/generator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type named string

func (n named) String() string { return string(n) }

func TestExtractAnswer(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   string
		wantOK bool
	}{
		{name: "string", in: "plain", want: "plain", wantOK: true},
		{name: "bytes", in: []byte("raw"), want: "raw", wantOK: true},
		{name: "answer key", in: map[string]any{"answer": "a", "output": "b"}, want: "a", wantOK: true},
		{name: "output key", in: map[string]any{"output": "b"}, want: "b", wantOK: true},
		{name: "result key", in: map[string]string{"result": "c"}, want: "c", wantOK: true},
		{name: "nil answer skips to output", in: map[string]any{"answer": nil, "output": "d"}, want: "d", wantOK: true},
		{name: "blank answer skips to output", in: map[string]any{"answer": "", "output": "X"}, want: "X", wantOK: true},
		{name: "blank string answers skip to result", in: map[string]string{"answer": " ", "output": "", "result": "r"}, want: "r", wantOK: true},
		{name: "all keys blank", in: map[string]any{"answer": "", "output": nil, "result": "  "}, wantOK: false},
		{name: "number", in: 42, want: "42", wantOK: true},
		{name: "stringer", in: named("from stringer"), want: "from stringer", wantOK: true},
		{name: "nil", in: nil, wantOK: false},
		{name: "blank", in: "   ", wantOK: false},
		{name: "map without keys", in: map[string]any{"text": "x"}, wantOK: false},
		{name: "slice", in: []string{"a"}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractAnswer(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnswerQuestionRateLimitPausesPacer(t *testing.T) {
	result := generator.Result{
		Answerer: generator.AnswerFunc(func(context.Context, string) (any, error) {
			return nil, &generator.RateLimitedError{RetryAfter: 40 * time.Millisecond}
		}),
		Questions: []string{"q"},
	}
	pacer := NewPacer(0)

	answer, source := answerQuestion(context.Background(), result, "Q", pacer, zerolog.Nop())
	require.Equal(t, NotFoundAnswer, answer)
	require.Equal(t, sourceSentinel, source)

	start := time.Now()
	require.NoError(t, pacer.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAnswerQuestionFallbackFailureUsesSentinel(t *testing.T) {
	result := generator.Result{
		Answerer: generator.AnswerFunc(func(context.Context, string) (any, error) {
			return nil, errors.New("boom")
		}),
		Questions: []string{"q"},
		Retriever: generator.RetrieveFunc(func(context.Context, string) ([]string, error) {
			return nil, errors.New("index offline")
		}),
		Model: generator.CompleteFunc(func(context.Context, string, string) (any, error) {
			t.Fatal("model must not be called when retrieval fails")
			return nil, nil
		}),
	}

	answer, source := answerQuestion(context.Background(), result, "Q", NewPacer(0), zerolog.Nop())
	require.Equal(t, NotFoundAnswer, answer)
	require.Equal(t, sourceSentinel, source)
}
