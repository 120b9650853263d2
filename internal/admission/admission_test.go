package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine/enginetest"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestResolveMaxTokens(t *testing.T) {
	if got := ResolveMaxTokens(nil, 4000, 4096); got != 96 {
		t.Errorf("unset max_tokens: got %d, want 96", got)
	}
	if got := ResolveMaxTokens(intPtr(200), 4000, 4096); got != 200 {
		t.Errorf("explicit max_tokens: got %d, want 200", got)
	}
}

func TestAdmit_FillsRemainingWindow(t *testing.T) {
	b, err := Admit(protocol.SamplingParams{}, 4000, 4096)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if b.MaxCompletionTokens != 96 {
		t.Errorf("MaxCompletionTokens: got %d, want 96", b.MaxCompletionTokens)
	}
	if b.Total() != b.ContextLimit {
		t.Errorf("expected budget to fill the window exactly, got total %d", b.Total())
	}
}

func TestAdmit_BoundaryAccepted(t *testing.T) {
	b, err := Admit(protocol.SamplingParams{MaxTokens: intPtr(96)}, 4000, 4096)
	if err != nil {
		t.Fatalf("expected boundary request to be admitted, got %v", err)
	}
	if b.PromptTokens+b.MaxCompletionTokens != 4096 {
		t.Errorf("unexpected budget: %+v", b)
	}
}

func TestAdmit_RejectsOversizedRequest(t *testing.T) {
	_, err := Admit(protocol.SamplingParams{MaxTokens: intPtr(200)}, 4000, 4096)

	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if aerr.Status != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", aerr.Status, http.StatusBadRequest)
	}
	if aerr.Reason != ReasonContextLength {
		t.Errorf("reason: got %q", aerr.Reason)
	}

	want := "This model's maximum context length is 4096 tokens. " +
		"However, you requested 4200 tokens (4000 in the messages, 200 in the completion). " +
		"Please reduce the length of the messages or completion."
	if aerr.Message != want {
		t.Errorf("message:\n got %q\nwant %q", aerr.Message, want)
	}
}

func TestAdmit_ReportedNumbersAreConsistent(t *testing.T) {
	for _, tc := range []struct{ prompt, max, limit int }{
		{1, 4096, 4096},
		{2048, 2049, 4096},
		{10, 100, 50},
		{0, 9, 8},
	} {
		_, err := Admit(protocol.SamplingParams{MaxTokens: intPtr(tc.max)}, tc.prompt, tc.limit)

		var aerr *Error
		if !errors.As(err, &aerr) {
			t.Fatalf("%+v: expected rejection, got %v", tc, err)
		}

		var limit, total, prompt, completion int
		_, scanErr := fmt.Sscanf(aerr.Message,
			"This model's maximum context length is %d tokens. However, you requested %d tokens (%d in the messages, %d in the completion).",
			&limit, &total, &prompt, &completion)
		if scanErr != nil {
			t.Fatalf("%+v: could not parse message %q: %v", tc, aerr.Message, scanErr)
		}
		if prompt+completion != total {
			t.Errorf("%+v: %d + %d != %d", tc, prompt, completion, total)
		}
		if limit != tc.limit || prompt != tc.prompt || completion != tc.max {
			t.Errorf("%+v: reported %d/%d/%d", tc, limit, prompt, completion)
		}
		if total <= limit {
			t.Errorf("%+v: rejected a request that fits", tc)
		}
	}
}

func TestAdmit_HugeMaxTokensRejected(t *testing.T) {
	b, err := Admit(protocol.SamplingParams{MaxTokens: intPtr(math.MaxInt)}, 4000, 4096)

	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T (%v) with budget %+v", err, err, b)
	}
	if aerr.Reason != ReasonContextLength {
		t.Errorf("reason: got %q", aerr.Reason)
	}
	if b.Total() != math.MaxInt {
		t.Errorf("total should saturate, got %d", b.Total())
	}

	want := fmt.Sprintf("However, you requested 9223372036854779807 tokens (4000 in the messages, %d in the completion).", math.MaxInt)
	if math.MaxInt == math.MaxInt64 && !strings.Contains(aerr.Message, want) {
		t.Errorf("message %q does not contain %q", aerr.Message, want)
	}
}

func TestBuildSamplingParams_Defaults(t *testing.T) {
	sp, err := BuildSamplingParams(protocol.SamplingParams{N: intPtr(2)}, 96)
	if err != nil {
		t.Fatalf("BuildSamplingParams returned error: %v", err)
	}
	if sp.MaxTokens != 96 {
		t.Errorf("MaxTokens: got %d", sp.MaxTokens)
	}
	if sp.BestOf != 2 {
		t.Errorf("BestOf should default to n, got %d", sp.BestOf)
	}
	if sp.Temperature != 1.0 || sp.TopP != 1.0 || sp.TopK != -1 {
		t.Errorf("unexpected defaults: %+v", sp)
	}
}

func TestBuildSamplingParams_InvalidIsAdmissionError(t *testing.T) {
	_, err := BuildSamplingParams(protocol.SamplingParams{TopP: floatPtr(1.5)}, 10)

	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if aerr.Reason != ReasonInvalidParams || aerr.Field != "top_p" {
		t.Errorf("unexpected error: %+v", aerr)
	}
	if aerr.Status != http.StatusBadRequest {
		t.Errorf("status: got %d", aerr.Status)
	}
}

func TestController_Admit(t *testing.T) {
	eng := &enginetest.Engine{Tokens: make([]int, 4000), ContextLimit: 4096}
	c := NewController(eng, nil)

	req := &protocol.CompletionRequest{ID: "req-1", Prompt: "hello"}
	adm, err := c.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if adm.Budget.MaxCompletionTokens != 96 || adm.Params.MaxTokens != 96 {
		t.Errorf("unexpected admission: %+v", adm.Budget)
	}
	if len(adm.TokenIDs) != 4000 {
		t.Errorf("token ids: got %d", len(adm.TokenIDs))
	}
	if tok, ctxLen := eng.Calls(); tok != 1 || ctxLen != 1 {
		t.Errorf("expected one call each, got tokenize=%d context=%d", tok, ctxLen)
	}
	if len(eng.Requests()) != 0 {
		t.Error("admission must not start a generation")
	}
}

func TestController_HugeMaxTokensRejected(t *testing.T) {
	eng := &enginetest.Engine{Tokens: make([]int, 4000), ContextLimit: 4096}
	c := NewController(eng, nil)

	adm, err := c.Admit(context.Background(), &protocol.CompletionRequest{
		Prompt: "hello",
		Params: protocol.SamplingParams{MaxTokens: intPtr(math.MaxInt)},
	})

	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T (%v), admitted %+v", err, err, adm)
	}
	if aerr.Reason != ReasonContextLength || aerr.Field != "max_tokens" {
		t.Errorf("unexpected rejection: %+v", aerr)
	}
}

func TestController_PromptFillsWindow(t *testing.T) {
	eng := &enginetest.Engine{Tokens: make([]int, 4096), ContextLimit: 4096}
	c := NewController(eng, nil)

	_, err := c.Admit(context.Background(), &protocol.CompletionRequest{Prompt: "long"})

	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if aerr.Field != "max_tokens" || !strings.Contains(aerr.Message, "at least 1") {
		t.Errorf("unexpected rejection: %+v", aerr)
	}
}

func TestController_EngineFault(t *testing.T) {
	fault := &engine.Fault{Type: "ConnectionError", Err: errors.New("dial tcp: refused")}
	eng := &enginetest.Engine{TokenizeErr: fault, ContextLimit: 4096}
	c := NewController(eng, nil)

	_, err := c.Admit(context.Background(), &protocol.CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var aerr *Error
	if errors.As(err, &aerr) {
		t.Fatal("engine faults must not be reported as admission errors")
	}
	if !errors.Is(err, fault) {
		t.Errorf("expected wrapped fault, got %v", err)
	}
}

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}
