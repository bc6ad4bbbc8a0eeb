package middleware

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
)

// MetricsSnapshot represents a metrics snapshot.
type MetricsSnapshot struct {
	LLMCalls     int64                      `json:"llm_calls"`
	LLMErrors    int64                      `json:"llm_errors"`
	PromptTokens int64                      `json:"prompt_tokens"`
	OutputTokens int64                      `json:"output_tokens"`
	ToolCalls    int64                      `json:"tool_calls"`
	ToolErrors   int64                      `json:"tool_errors"`
	Errors       int64                      `json:"errors"`
	LastError    string                     `json:"last_error,omitempty"`
	ByCapability map[string]int64           `json:"by_capability,omitempty"`
	ByCode       map[schema.ErrorCode]int64 `json:"by_code,omitempty"`
}

// MetricsObserver provides simple counters.
type MetricsObserver struct {
	llmCalls     atomic.Int64
	llmErrors    atomic.Int64
	promptTokens atomic.Int64
	outputTokens atomic.Int64
	toolCalls    atomic.Int64
	toolErrors   atomic.Int64
	errors       atomic.Int64
	lastError    atomic.Value

	mu     sync.Mutex
	byName map[string]int64
	byCode map[schema.ErrorCode]int64
}

func (m *MetricsObserver) OnLLMStart(ctx context.Context, state *runner.State, req *llm.Request) {
	m.llmCalls.Add(1)
}

func (m *MetricsObserver) OnLLMEnd(ctx context.Context, state *runner.State, resp *llm.Response, err error) {
	if err != nil {
		m.llmErrors.Add(1)
		return
	}
	if resp != nil {
		m.promptTokens.Add(int64(resp.Usage.PromptTokens))
		m.outputTokens.Add(int64(resp.Usage.CompletionTokens))
	}
}

func (m *MetricsObserver) OnToolCall(ctx context.Context, state *runner.ToolState) {
	m.toolCalls.Add(1)
	if state == nil || state.Call == nil {
		return
	}
	m.mu.Lock()
	if m.byName == nil {
		m.byName = make(map[string]int64)
	}
	m.byName[state.Call.Name]++
	m.mu.Unlock()
}

func (m *MetricsObserver) OnToolResult(ctx context.Context, state *runner.ToolState) {
	if state == nil || state.Envelope == nil || state.Envelope.Success {
		return
	}
	m.toolErrors.Add(1)
	m.mu.Lock()
	if m.byCode == nil {
		m.byCode = make(map[schema.ErrorCode]int64)
	}
	m.byCode[state.Envelope.Code]++
	m.mu.Unlock()
}

func (m *MetricsObserver) OnError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	m.errors.Add(1)
	m.lastError.Store(err.Error())
}

// Snapshot returns a metrics snapshot.
func (m *MetricsObserver) Snapshot() MetricsSnapshot {
	last, _ := m.lastError.Load().(string)
	snap := MetricsSnapshot{
		LLMCalls:     m.llmCalls.Load(),
		LLMErrors:    m.llmErrors.Load(),
		PromptTokens: m.promptTokens.Load(),
		OutputTokens: m.outputTokens.Load(),
		ToolCalls:    m.toolCalls.Load(),
		ToolErrors:   m.toolErrors.Load(),
		Errors:       m.errors.Load(),
		LastError:    last,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.byName) > 0 {
		snap.ByCapability = make(map[string]int64, len(m.byName))
		for k, v := range m.byName {
			snap.ByCapability[k] = v
		}
	}
	if len(m.byCode) > 0 {
		snap.ByCode = make(map[schema.ErrorCode]int64, len(m.byCode))
		for k, v := range m.byCode {
			snap.ByCode[k] = v
		}
	}
	return snap
}

var _ runner.Observer = (*MetricsObserver)(nil)
