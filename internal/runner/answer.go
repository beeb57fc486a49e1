package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/docqa/internal/generator"
	"github.com/dunamismax/docqa/internal/textnorm"
	"github.com/rs/zerolog"
)

// NotFoundAnswer is written when no answer could be produced for a question.
const NotFoundAnswer = "Not found in context."

const (
	sourcePrimary  = "primary"
	sourceFallback = "fallback"
	sourceSentinel = "sentinel"
)

var answerKeys = []string{"answer", "output", "result"}

// extractAnswer pulls answer text out of whatever the generator returned.
// It reports false for nil, blank text, maps without a known key, and
// composite values with no sensible textual form.
func extractAnswer(v any) (string, bool) {
	var text string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		text = t
	case []byte:
		text = string(t)
	case map[string]any:
		for _, key := range answerKeys {
			if text, ok := extractAnswer(t[key]); ok {
				return text, true
			}
		}
		return "", false
	case map[string]string:
		for _, key := range answerKeys {
			if text, ok := extractAnswer(t[key]); ok {
				return text, true
			}
		}
		return "", false
	case fmt.Stringer:
		text = t.String()
	case bool, int, int32, int64, float32, float64:
		text = fmt.Sprint(t)
	default:
		return "", false
	}

	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// answerQuestion runs the answer chain for one question: the primary
// answerer, then retriever plus model when both exist, then the sentinel.
// A rate-limit hint from any step pauses the pacer before the next question.
func answerQuestion(ctx context.Context, result generator.Result, question string, pacer *Pacer, logger zerolog.Logger) (string, string) {
	raw, err := result.Answerer.Answer(ctx, question)
	if err == nil {
		if text, ok := extractAnswer(raw); ok {
			return textnorm.Text(text), sourcePrimary
		}
		logger.Warn().Str("shape", fmt.Sprintf("%T", raw)).Msg("answer has no usable text")
	} else {
		observeBackpressure(err, pacer)
		logger.Warn().Err(err).Msg("answer invocation failed")
	}

	if result.HasFallback() {
		if text, ok := fallbackAnswer(ctx, result, question, pacer, logger); ok {
			return textnorm.Text(text), sourceFallback
		}
	}
	return NotFoundAnswer, sourceSentinel
}

func fallbackAnswer(ctx context.Context, result generator.Result, question string, pacer *Pacer, logger zerolog.Logger) (string, bool) {
	passages, err := result.Retriever.Retrieve(ctx, question)
	if err != nil {
		observeBackpressure(err, pacer)
		logger.Warn().Err(err).Msg("retrieval fallback failed")
		return "", false
	}

	raw, err := result.Model.Complete(ctx, question, strings.Join(passages, "\n\n"))
	if err != nil {
		observeBackpressure(err, pacer)
		logger.Warn().Err(err).Msg("model fallback failed")
		return "", false
	}
	return extractAnswer(raw)
}

func observeBackpressure(err error, pacer *Pacer) {
	if wait, ok := generator.RetryAfter(err); ok {
		pacer.Pause(wait)
	}
}
