package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/courseai/internal/model"
)

const (
	opComplete = "complete"
	opStream   = "stream"
	opPing     = "ping"
)

var (
	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courseai",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Duration of language-model gateway calls",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op", "model"})

	callFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courseai",
		Subsystem: "llm",
		Name:      "call_failures_total",
		Help:      "Number of failed language-model gateway calls by failure kind",
	}, []string{"op", "kind"})
)

// Config holds connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds a single Complete call. Streams are bounded by the
	// caller's context only.
	Timeout time.Duration
}

// Client is the gateway to the language-model service.
type Client struct {
	api    *openai.Client
	cfg    Config
	tracer trace.Tracer
}

// New creates a new gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		api:    openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/pavelanni/courseai/internal/llm"),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Ping checks that the endpoint is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "llm.ping")
	defer span.End()
	if _, err := c.api.ListModels(ctx); err != nil {
		return c.fail(span, opPing, err)
	}
	return nil
}

// Complete sends the conversation and returns the full assistant message.
// Failures are returned as *UpstreamError.
func (c *Client) Complete(ctx context.Context, turns []model.ConversationTurn) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
		attribute.Int("turns", len(turns)),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, c.request(turns))
	callDuration.WithLabelValues(opComplete, c.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", c.fail(span, opComplete, err)
	}
	if len(resp.Choices) == 0 {
		return "", c.fail(span, opComplete, &UpstreamError{Kind: Malformed, Err: errors.New("no choices returned")})
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", c.fail(span, opComplete, &UpstreamError{Kind: Malformed, Err: errors.New("empty message content")})
	}
	slog.Debug("LLM response", "model", c.cfg.Model, "chars", len(content))
	return content, nil
}

// CompleteStreaming sends the conversation and yields content chunks in
// arrival order until the upstream end marker. Breaking out of the loop
// closes the upstream stream. The sequence can be ranged over once; a
// failure is yielded as the final element with an empty chunk.
func (c *Client) CompleteStreaming(ctx context.Context, turns []model.ConversationTurn) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", errors.New("llm stream already consumed"))
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := c.tracer.Start(ctx, "llm.complete_streaming", trace.WithAttributes(
			attribute.String("model", c.cfg.Model),
		))
		defer span.End()

		start := time.Now()
		defer func() {
			callDuration.WithLabelValues(opStream, c.cfg.Model).Observe(time.Since(start).Seconds())
		}()

		stream, err := c.api.CreateChatCompletionStream(ctx, c.request(turns))
		if err != nil {
			yield("", c.fail(span, opStream, err))
			return
		}
		defer stream.Close()

		chunks := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				span.SetAttributes(attribute.Int("chunks", chunks))
				return
			}
			if err != nil {
				yield("", c.fail(span, opStream, err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			chunks++
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (c *Client) request(turns []model.ConversationTurn) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    roleFor(t.Role),
			Content: t.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
}

func roleFor(r model.Role) string {
	switch r {
	case model.RoleSystem:
		return openai.ChatMessageRoleSystem
	case model.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// fail classifies err, records it on the span and in metrics, and returns
// the normalised error.
func (c *Client) fail(span trace.Span, op string, err error) error {
	uerr := classify(op, err)
	callFailures.WithLabelValues(op, string(uerr.Kind)).Inc()
	span.RecordError(uerr)
	span.SetStatus(codes.Error, uerr.Error())
	slog.Warn("LLM call failed", "op", op, "model", c.cfg.Model, "kind", uerr.Kind, "status", uerr.Status, "error", uerr.Err)
	return uerr
}
