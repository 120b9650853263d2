package generation

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine/enginetest"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/metrics"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func run(t *testing.T, eng *enginetest.Engine, stream bool) []protocol.Event {
	t.Helper()

	a := NewAdapter(eng, nil)
	req := &protocol.CompletionRequest{ID: "req-1", Prompt: "p", Stream: stream}

	var events []protocol.Event
	for ev := range a.Stream(context.Background(), req, engine.DefaultSamplingParams(), []int{1, 2, 3}) {
		events = append(events, ev)
	}
	return events
}

func texts(events []protocol.Event) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Text)
	}
	return out
}

func TestStream_EmitsSuffixes(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"Hel", "Hello", "Hello world"}}

	events := run(t, eng, true)

	want := []protocol.Event{
		protocol.Chunk("Hel"),
		protocol.Chunk("lo"),
		protocol.Chunk(" world"),
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_ForwardsRequestToEngine(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"a"}}
	run(t, eng, true)

	reqs := eng.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one generation, got %d", len(reqs))
	}
	if reqs[0].RequestID != "req-1" || reqs[0].Prompt != "p" {
		t.Errorf("unexpected generate request: %+v", reqs[0])
	}
	if diff := cmp.Diff([]int{1, 2, 3}, reqs[0].TokenIDs); diff != "" {
		t.Errorf("token ids mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_ConcatenationEqualsFinalSnapshot(t *testing.T) {
	snapshots := []string{"", "T", "Th", "The", "The ", "The q", "The qu", "The quick", "The quick", "The quick 🦊"}
	eng := &enginetest.Engine{Snapshots: snapshots}

	events := run(t, eng, true)

	got := strings.Join(texts(events), "")
	if got != snapshots[len(snapshots)-1] {
		t.Fatalf("concatenated chunks %q, want %q", got, snapshots[len(snapshots)-1])
	}
	for _, ev := range events {
		if ev.Kind != protocol.EventChunk || ev.Text == "" {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestStream_AggregatesWhenNotStreaming(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"Hel", "Hello", "Hello world"}}

	events := run(t, eng, false)

	want := []protocol.Event{protocol.Final("Hello world")}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_EmptyGenerationStillHasFinal(t *testing.T) {
	events := run(t, &enginetest.Engine{}, false)

	want := []protocol.Event{protocol.Final("")}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_WithholdsIncompleteCodepoint(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"caf", "caf\uFFFD", "café", "café \xe2\x98", "café ☕"}}

	events := run(t, eng, true)

	want := []string{"caf", "é", " ☕"}
	if diff := cmp.Diff(want, texts(events)); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_DropsTrailingIncompleteCodepoint(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"ok", "ok\uFFFD"}}

	if diff := cmp.Diff([]string{"ok"}, texts(run(t, eng, true))); diff != "" {
		t.Errorf("streaming mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]protocol.Event{protocol.Final("ok")}, run(t, eng, false)); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_IgnoresSnapshotBehindCursor(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"abc", "ab", "abcd"}}

	if diff := cmp.Diff([]string{"abc", "d"}, texts(run(t, eng, true))); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_IgnoresDivergingSnapshot(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"ab", "aé", "abc"}}

	chunks := texts(run(t, eng, true))
	if diff := cmp.Diff([]string{"ab", "c"}, chunks); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q is not valid UTF-8", c)
		}
	}
}

func TestStream_FaultAfterChunks(t *testing.T) {
	fault := &engine.Fault{Type: "EngineDeadError", Err: errors.New("engine loop is not running")}
	eng := &enginetest.Engine{
		Snapshots: []string{"a", "ab", "abc", "abcd"},
		Err:       fault,
		FailAfter: 2,
	}

	events := run(t, eng, true)

	want := []protocol.Event{
		protocol.Chunk("a"),
		protocol.Chunk("b"),
		protocol.Failure(protocol.ErrorPayload{Message: "engine loop is not running", Type: "EngineDeadError"}),
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if eng.Pulled() != 2 {
		t.Errorf("expected engine to stop after the fault, pulled %d", eng.Pulled())
	}
}

func TestStream_FaultIsSolePayloadWhenNotStreaming(t *testing.T) {
	eng := &enginetest.Engine{
		Snapshots: []string{"a", "ab"},
		Err:       errors.New("out of memory"),
		FailAfter: 1,
	}

	events := run(t, eng, false)

	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %+v", events)
	}
	ev := events[0]
	if ev.Kind != protocol.EventError || ev.Err == nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if ev.Err.Message != "out of memory" || ev.Err.Type != "InternalError" {
		t.Errorf("unexpected payload: %+v", *ev.Err)
	}
}

func TestStream_FaultBeforeFirstSnapshot(t *testing.T) {
	eng := &enginetest.Engine{
		Snapshots: []string{"a"},
		Err:       &engine.Fault{Type: "ConnectionError", Err: errors.New("refused")},
	}

	events := run(t, eng, true)
	if len(events) != 1 || events[0].Kind != protocol.EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}

func TestStream_FaultAfterLastSnapshot(t *testing.T) {
	eng := &enginetest.Engine{
		Snapshots: []string{"a", "ab"},
		Err:       errors.New("late failure"),
		FailAfter: 2,
	}

	events := run(t, eng, true)
	if len(events) != 3 || events[2].Kind != protocol.EventError {
		t.Fatalf("expected two chunks then an error, got %+v", events)
	}
}

func TestStream_ConsumerStopsEarly(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"a", "ab", "abc", "abcd"}}
	a := NewAdapter(eng, nil)
	req := &protocol.CompletionRequest{Stream: true}

	var got []string
	for ev := range a.Stream(context.Background(), req, engine.DefaultSamplingParams(), nil) {
		got = append(got, ev.Text)
		if len(got) == 2 {
			break
		}
	}

	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
	if eng.Pulled() != 2 {
		t.Errorf("engine should not be pulled past the consumer, pulled %d", eng.Pulled())
	}
}

func TestStream_CancelledContext(t *testing.T) {
	eng := &enginetest.Engine{Snapshots: []string{"a", "ab", "abc"}}
	a := NewAdapter(eng, nil)
	req := &protocol.CompletionRequest{Stream: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []protocol.Event
	for ev := range a.Stream(ctx, req, engine.DefaultSamplingParams(), nil) {
		got = append(got, ev)
		cancel()
	}

	if len(got) != 1 {
		t.Fatalf("expected streaming to stop after cancellation, got %+v", got)
	}
}

func TestStream_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := metrics.New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("metrics.New returned error: %v", err)
	}

	ok := &enginetest.Engine{Snapshots: []string{"a", "ab", "abc"}}
	failing := &enginetest.Engine{
		Snapshots: []string{"a"},
		Err:       &engine.Fault{Type: "EngineError", Err: errors.New("boom")},
		FailAfter: 1,
	}

	for _, eng := range []*enginetest.Engine{ok, failing} {
		a := NewAdapter(eng, m)
		req := &protocol.CompletionRequest{ID: "req-m", Prompt: "p", Stream: true}
		for range a.Stream(context.Background(), req, engine.DefaultSamplingParams(), nil) {
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	got := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			got[md.Name] = md.Data
		}
	}

	tokens, isSum := got["completion.tokens"].(metricdata.Sum[int64])
	if !isSum || len(tokens.DataPoints) != 1 || tokens.DataPoints[0].Value != 3 {
		t.Errorf("unexpected completion.tokens: %#v", got["completion.tokens"])
	}
	hist, isHist := got["completion.throughput"].(metricdata.Histogram[float64])
	if !isHist || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected completion.throughput: %#v", got["completion.throughput"])
	}
	errs, isSum := got["completion.stream.errors"].(metricdata.Sum[int64])
	if !isSum || len(errs.DataPoints) != 1 || errs.DataPoints[0].Value != 1 {
		t.Errorf("unexpected completion.stream.errors: %#v", got["completion.stream.errors"])
	}
}

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}
