// Package generator defines the contract between the job runner and the
// external document Q&A generator, plus an HTTP adapter for it.
//
// A generator is invoked once per document and returns the question list
// together with the callables used to answer each question. Everything in
// the result is validated once, at this boundary, so the runner never has to
// probe for missing fields.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedResult = errors.New("generator returned a malformed result")
	ErrUnavailable     = errors.New("generator unavailable")
)

type Generator interface {
	Generate(ctx context.Context, documentPath string) (Result, error)
}

// Answerer answers one question. The returned value is either a string or a
// map carrying the text under "answer", "output" or "result".
type Answerer interface {
	Answer(ctx context.Context, question string) (any, error)
}

// Retriever returns passages relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]string, error)
}

// Model answers a question from explicitly supplied context.
type Model interface {
	Complete(ctx context.Context, question, contextText string) (any, error)
}

type Result struct {
	Answerer  Answerer
	Questions []string
	Retriever Retriever
	Model     Model
}

// Validate reports ErrMalformedResult when a required field is missing. An
// empty, non-nil question list is valid.
func (r Result) Validate() error {
	if r.Answerer == nil {
		return fmt.Errorf("%w: missing answer invoker", ErrMalformedResult)
	}
	if r.Questions == nil {
		return fmt.Errorf("%w: missing question list", ErrMalformedResult)
	}
	return nil
}

// HasFallback reports whether both halves of the retrieval fallback exist.
func (r Result) HasFallback() bool {
	return r.Retriever != nil && r.Model != nil
}

// RateLimitedError signals that the generator asked the caller to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter <= 0 {
		return "generator rate limited"
	}
	return fmt.Sprintf("generator rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter extracts the backoff hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.RetryAfter, true
	}
	return 0, false
}

type AnswerFunc func(ctx context.Context, question string) (any, error)

func (f AnswerFunc) Answer(ctx context.Context, question string) (any, error) {
	return f(ctx, question)
}

type RetrieveFunc func(ctx context.Context, question string) ([]string, error)

func (f RetrieveFunc) Retrieve(ctx context.Context, question string) ([]string, error) {
	return f(ctx, question)
}

type CompleteFunc func(ctx context.Context, question, contextText string) (any, error)

func (f CompleteFunc) Complete(ctx context.Context, question, contextText string) (any, error) {
	return f(ctx, question, contextText)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, documentPath string) (Result, error)

func (f Func) Generate(ctx context.Context, documentPath string) (Result, error) {
	return f(ctx, documentPath)
}
