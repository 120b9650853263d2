package vllm

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"go.uber.org/zap"
)

const maxSSELine = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL     string // e.g. "http://localhost:8000"
	Model       string // model name served by vLLM
	APIKey      string // optional, sent as a bearer token
	TimeoutMs   int    // timeout of tokenize and model lookups
	InsecureTLS bool
}

// Client is an engine.Engine backed by a vLLM server's OpenAI-compatible API.
type Client struct {
	http    *resty.Client
	model   string
	timeout time.Duration

	mu          sync.Mutex
	maxModelLen int
}

var _ engine.Engine = (*Client)(nil)

// NewClient creates a new vLLM client. Only the unary calls are bounded by
// cfg.TimeoutMs; generations run for as long as the caller's context allows.
func NewClient(cfg Config) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
		},
	}

	c := resty.NewWithClient(httpClient).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:    c,
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
}

func (c *Client) unaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Tokenize returns the prompt's token ids as computed by the served model's
// tokenizer.
func (c *Client) Tokenize(ctx context.Context, prompt string) ([]int, error) {
	ctx, cancel := c.unaryContext(ctx)
	defer cancel()

	logger.Log.Debug("vLLM tokenize request", zap.String("endpoint", "/tokenize"))

	var resp TokenizeResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(TokenizeRequest{Model: c.model, Prompt: prompt, AddSpecialTokens: true}).
		SetResult(&resp).
		Post("/tokenize")
	if err != nil {
		logger.Log.Error("vLLM HTTP request failed", zap.String("endpoint", "/tokenize"), zap.Error(err))
		return nil, transportFault(err)
	}
	if err := statusFault(r.StatusCode(), r.Body()); err != nil {
		logger.Log.Error("vLLM non-2xx status",
			zap.String("endpoint", "/tokenize"),
			zap.Int("status_code", r.StatusCode()),
			zap.ByteString("body", r.Body()),
		)
		return nil, err
	}

	if resp.MaxModelLen > 0 {
		c.setMaxModelLen(resp.MaxModelLen)
	}
	return resp.Tokens, nil
}

// MaxContextLength returns the served model's max_model_len. The value is
// looked up once and cached.
func (c *Client) MaxContextLength(ctx context.Context) (int, error) {
	c.mu.Lock()
	cached := c.maxModelLen
	c.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}

	ctx, cancel := c.unaryContext(ctx)
	defer cancel()

	var list ModelList
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get("/v1/models")
	if err != nil {
		logger.Log.Error("vLLM HTTP request failed", zap.String("endpoint", "/v1/models"), zap.Error(err))
		return 0, transportFault(err)
	}
	if err := statusFault(r.StatusCode(), r.Body()); err != nil {
		return 0, err
	}

	for _, m := range list.Data {
		if m.ID != c.model {
			continue
		}
		if m.MaxModelLen <= 0 {
			return 0, &engine.Fault{Type: "EngineError", Err: fmt.Errorf("vLLM did not report max_model_len for model %q", c.model)}
		}
		c.setMaxModelLen(m.MaxModelLen)
		return m.MaxModelLen, nil
	}

	return 0, &engine.Fault{Type: "NotFoundError", Err: fmt.Errorf("model %q is not served by vLLM", c.model)}
}

func (c *Client) setMaxModelLen(n int) {
	c.mu.Lock()
	c.maxModelLen = n
	c.mu.Unlock()
}

// Generate streams a completion from /v1/completions and folds the deltas
// into cumulative snapshots.
func (c *Client) Generate(ctx context.Context, req engine.GenerateRequest) iter.Seq2[engine.Snapshot, error] {
	return func(yield func(engine.Snapshot, error) bool) {
		logger.Log.Debug("vLLM Generate request",
			zap.String("endpoint", "/v1/completions"),
			zap.String("request_id", req.RequestID),
		)

		r, err := c.http.R().
			SetContext(ctx).
			SetBody(c.completionRequest(req)).
			SetDoNotParseResponse(true).
			Post("/v1/completions")
		if err != nil {
			logger.Log.Error("vLLM HTTP stream request failed", zap.Error(err))
			yield(engine.Snapshot{}, transportFault(err))
			return
		}
		body := r.RawBody()
		defer body.Close()

		if status := r.StatusCode(); status < 200 || status >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
			logger.Log.Error("vLLM stream non-2xx status",
				zap.Int("status_code", status),
				zap.ByteString("body", raw),
			)
			yield(engine.Snapshot{}, statusFault(status, raw))
			return
		}

		var (
			text strings.Builder
			ids  []int
		)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}

			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}

			var chunk CompletionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				logger.Log.Error("failed to unmarshal vLLM stream chunk", zap.Error(err))
				yield(engine.Snapshot{}, &engine.Fault{
					Type: "ProtocolError",
					Err:  fmt.Errorf("failed to unmarshal vLLM stream chunk: %w", err),
				})
				return
			}

			if apiErr := chunk.apiError(); apiErr != nil {
				yield(engine.Snapshot{}, apiFault(apiErr))
				return
			}

			choice, ok := firstChoice(chunk.Choices)
			if !ok {
				continue
			}

			text.WriteString(choice.Text)
			ids = append(ids, choice.TokenIDs...)

			logger.Log.Debug("vLLM Generate chunk",
				zap.String("delta_text", choice.Text),
				zap.Int("token_count", len(ids)),
			)

			if !yield(engine.Snapshot{Text: text.String(), TokenIDs: ids[:len(ids):len(ids)]}, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Log.Error("vLLM Generate scanner error", zap.Error(err))
			yield(engine.Snapshot{}, transportFault(fmt.Errorf("vLLM stream read failed: %w", err)))
			return
		}

		logger.Log.Debug("vLLM Generate completed", zap.String("request_id", req.RequestID))
	}
}

func (c *Client) completionRequest(req engine.GenerateRequest) CompletionRequest {
	p := req.Params

	var prompt any = req.Prompt
	if len(req.TokenIDs) > 0 {
		prompt = req.TokenIDs
	}

	return CompletionRequest{
		Model:            c.model,
		Prompt:           prompt,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		TopK:             p.TopK,
		N:                p.N,
		BestOf:           p.BestOf,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Stop:             p.Stop,
		Logprobs:         p.Logprobs,
		IgnoreEOS:        p.IgnoreEOS,
		UseBeamSearch:    p.UseBeamSearch,
		Stream:           true,
		ReturnTokenIDs:   true,
		RequestID:        req.RequestID,
	}
}

// firstChoice returns the choice with index 0; only the first sequence of a
// request is streamed.
func firstChoice(choices []CompletionChoice) (CompletionChoice, bool) {
	for _, ch := range choices {
		if ch.Index == 0 {
			return ch, true
		}
	}
	return CompletionChoice{}, false
}

func transportFault(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("vLLM HTTP request failed: %w", err)
	}
	return &engine.Fault{Type: "ConnectionError", Err: fmt.Errorf("vLLM HTTP request failed: %w", err)}
}

func statusFault(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var chunk CompletionChunk
	if err := json.Unmarshal(body, &chunk); err == nil {
		if apiErr := chunk.apiError(); apiErr != nil && apiErr.Message != "" {
			return apiFault(apiErr)
		}
	}

	return &engine.Fault{
		Type: "EngineError",
		Err:  fmt.Errorf("vLLM returned non-2xx status %d: %s", status, strings.TrimSpace(string(body))),
	}
}

func apiFault(e *APIError) error {
	typ := e.Type
	if typ == "" {
		typ = "EngineError"
	}
	return &engine.Fault{Type: typ, Err: errors.New(e.Message)}
}
