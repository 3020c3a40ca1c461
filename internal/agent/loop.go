package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	agentctx "github.com/haasonsaas/browseragent/internal/agent/context"
	ctxwindow "github.com/haasonsaas/browseragent/internal/context"
	"github.com/haasonsaas/browseragent/internal/observability"
	"github.com/haasonsaas/browseragent/internal/retry"
	"github.com/haasonsaas/browseragent/internal/sessions"
	"github.com/haasonsaas/browseragent/pkg/models"

	"github.com/google/uuid"
)

// Tool names the Agent Loop treats specially. The rest of the catalog is
// opaque to the loop; it only needs to recognize the terminal tools, the
// snapshot tool (for the loop-heuristic), and the tools that mutate the
// page and therefore require a settle delay plus an automatic re-snapshot.
const (
	ToolTakeSnapshot       = "take_snapshot"
	ToolOpenBrowser        = "open_browser"
	ToolNavigate           = "navigate"
	ToolClick              = "click"
	ToolTypeText           = "type_text"
	ToolPressKey           = "press_key"
	ToolScroll             = "scroll"
	ToolSelectOption       = "select_option"
	ToolHover              = "hover"
	ToolSetValue           = "set_value"
	ToolWaitForNetworkIdle = "wait_for_network_idle"
	ToolTaskComplete       = "task_complete"
	ToolExtractData        = "extract_data"
)

var mutatingTools = map[string]bool{
	ToolClick:              true,
	ToolTypeText:           true,
	ToolPressKey:           true,
	ToolSelectOption:       true,
	ToolHover:              true,
	ToolSetValue:           true,
	ToolWaitForNetworkIdle: true,
}

// retryableTools are dispatched through a short retry/backoff for
// transient ProtocolErrors (a command raced a page navigation, a tab
// closed mid-flight). Terminal and read-only tools are excluded: retrying
// task_complete/extract_data would duplicate a side effect, and
// take_snapshot already has its own internal retry (internal/browser).
var retryableTools = map[string]bool{
	ToolClick:              true,
	ToolTypeText:           true,
	ToolPressKey:           true,
	ToolScroll:             true,
	ToolSelectOption:       true,
	ToolHover:              true,
	ToolSetValue:           true,
	ToolWaitForNetworkIdle: true,
	ToolNavigate:           true,
}

// newTabSentinelPrefix is spliced into a tool result (by the click
// primitive when it detects a new tab, and by the open_browser tool) so
// the loop can update its notion of the active tab without a richer
// result type threaded through the Tool interface.
const newTabSentinelPrefix = "__NEW_TAB__:"

// Browser is the minimal observation/cleanup surface the Agent Loop needs
// from the Observation & Action Layer. Kept as an interface so this
// package never imports internal/browser directly — tools dispatch
// through the generic ToolRegistry, and the loop only needs to trigger a
// re-snapshot and release a tab on exit.
type Browser interface {
	// Snapshot re-observes tabID and returns the formatted snapshot text.
	Snapshot(ctx context.Context, tabID string) (string, error)
	// Detach releases the debugger's hold on tabID. Idempotent.
	Detach(tabID string)
	// SetActiveTab tells the tool catalog which tab the next dispatched
	// action primitive should target. The loop calls this whenever the
	// active tab changes (initial tab, or a __NEW_TAB__ sentinel).
	SetActiveTab(tabID string)
}

// LoopMode selects the terminal tool and tool catalog a run uses: the
// single-tab agent terminates via task_complete, a research sub-task via
// extract_data (§4.5).
type LoopMode string

const (
	LoopModeAgent   LoopMode = "agent"
	LoopModeSubTask LoopMode = "sub_task"
)

// LoopStatus is the terminal disposition of one Run call.
type LoopStatus string

const (
	LoopStatusDone       LoopStatus = "done"
	LoopStatusCancelled  LoopStatus = "cancelled"
	LoopStatusStepBudget LoopStatus = "step_budget_exhausted"
)

// LoopConfig configures one Agent Loop run.
type LoopConfig struct {
	Mode          LoopMode
	MaxSteps      int
	PruningWindow int
	Model         string
	SystemPrompt  string
}

// DefaultLoopConfig returns the single-tab agent's defaults: a 30-step
// budget and a pruning window of 6 tool-exchange rounds (§4.4).
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Mode:          LoopModeAgent,
		MaxSteps:      30,
		PruningWindow: 6,
		SystemPrompt:  defaultAgentSystemPrompt,
	}
}

// SubTaskLoopConfig returns a research sub-task's defaults: a tighter
// 20-step budget and the extract_data terminal tool (§4.5).
func SubTaskLoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.Mode = LoopModeSubTask
	cfg.MaxSteps = 20
	cfg.SystemPrompt = defaultSubTaskSystemPrompt
	return cfg
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	if cfg.MaxSteps <= 0 {
		if cfg.Mode == LoopModeSubTask {
			cfg.MaxSteps = 20
		} else {
			cfg.MaxSteps = 30
		}
	}
	if cfg.PruningWindow <= 0 {
		cfg.PruningWindow = 6
	}
	if cfg.SystemPrompt == "" {
		if cfg.Mode == LoopModeSubTask {
			cfg.SystemPrompt = defaultSubTaskSystemPrompt
		} else {
			cfg.SystemPrompt = defaultAgentSystemPrompt
		}
	}
	return cfg
}

const defaultAgentSystemPrompt = `You drive a real browser tab on the user's behalf. Observe the page with ` +
	`take_snapshot before acting, act with exactly one tool call at a time, and call task_complete as soon as ` +
	`the user's request is satisfied. Never invent element UIDs; only act on UIDs present in the most recent snapshot.`

const defaultSubTaskSystemPrompt = `You are one source in a multi-source research run. Navigate the assigned ` +
	`page, extract the information the research goal asks for, and call extract_data with the result as soon ` +
	`as you have it. You do not have task_complete or open_browser available.`

// LoopResult is the outcome of one Run call.
type LoopResult struct {
	Messages    []*models.Message
	FinalText   string
	Status      LoopStatus
	ActiveTabID string
	Steps       int
}

// AgentLoop implements the six-step Agent Loop cycle of §4.4: prune,
// invoke the LLM, dispatch tool calls in order against the Observation &
// Action Layer, auto-resnapshot after mutating tools, and persist the
// growing transcript. One AgentLoop value is built per run (single-tab or
// research sub-task), matching the teacher's RuntimeOptions-per-run shape
// rather than package-level globals (§9).
type AgentLoop struct {
	provider   LLMProvider
	registry   *ToolRegistry
	executor   *ToolExecutor
	browser    Browser
	store      sessions.Store
	sink       EventSink
	logger     *observability.Logger
	progress   func(string)
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	config LoopConfig
	seq    uint64
}

// toolDispatchTimeout bounds a single tool call (a stuck CDP round trip
// must not hang a run forever).
const toolDispatchTimeout = 20 * time.Second

// NewAgentLoop builds an Agent Loop. store and sink may be nil (no
// persistence / no event stream, respectively); progress may be nil.
func NewAgentLoop(provider LLMProvider, registry *ToolRegistry, browser Browser, store sessions.Store, sink EventSink, logger *observability.Logger, config LoopConfig) *AgentLoop {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	execConfig := DefaultToolExecConfig()
	execConfig.PerToolTimeout = toolDispatchTimeout
	return &AgentLoop{
		provider: provider,
		registry: registry,
		executor: NewToolExecutor(registry, execConfig),
		browser:  browser,
		store:    store,
		sink:     sink,
		logger:   logger,
		metrics:  observability.DefaultMetrics(),
		tracer:   observability.DefaultTracer(),
		config:   sanitizeLoopConfig(config),
	}
}

// SetProgress installs a callback invoked with short human-readable status
// lines as the loop advances, forwarded by the Research Orchestrator to
// its own progress stream (§4.5).
func (l *AgentLoop) SetProgress(fn func(string)) { l.progress = fn }

func (l *AgentLoop) report(status string) {
	if l.progress != nil {
		l.progress(status)
	}
}

// Run drives one Agent Loop to completion: either the terminal tool fires,
// the LLM stops requesting tools, the step budget is exhausted, or ctx is
// cancelled. It never returns a Go error for any of those four outcomes —
// they are all reported via LoopResult.Status, matching §7's propagation
// policy that only an LLMTransportError escapes as an error.
func (l *AgentLoop) Run(ctx context.Context, sessionID string, messages []*models.Message, activeTabID string) (*LoopResult, error) {
	runID := uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddSessionID(ctx, sessionID)
	l.emit(ctx, models.AgentEvent{Type: models.AgentEventRunStarted, RunID: runID})
	if l.browser != nil {
		l.browser.SetActiveTab(activeTabID)
	}

	snapshotStreak := 0

	for step := 0; step < l.config.MaxSteps; step++ {
		// 1. Abort check.
		if ctx.Err() != nil {
			return l.cancel(ctx, runID, sessionID, messages, activeTabID, step), nil
		}

		l.emit(ctx, models.AgentEvent{Type: models.AgentEventIterStarted, RunID: runID, IterIndex: step})
		l.logger.Debug(ctx, "agent loop step", "step", step, "mode", l.config.Mode, "active_tab", activeTabID)

		// 2. Prune transcript.
		pruned := agentctx.PruneToRecentRounds(messages, l.config.PruningWindow)

		// 2b. Check the pruned transcript against the model's context window;
		// a run that's already close to the limit prunes harder rather than
		// risking a provider-side truncation error mid-tool-call.
		win := ctxwindow.NewWindowForModel(l.config.Model)
		win.SetUsed(ctxwindow.EstimateTokensForMessages(messageContents(pruned)) + ctxwindow.EstimateTokens(l.config.SystemPrompt))
		if info := win.Info(); info.ShouldBlock() && l.config.PruningWindow > 1 {
			l.logger.Warn(ctx, "context window nearly exhausted, pruning harder", "window", info.String())
			pruned = agentctx.PruneToRecentRounds(messages, l.config.PruningWindow/2)
		} else if info.ShouldWarn() {
			l.logger.Warn(ctx, "context window filling up", "window", info.String())
		}

		// 3. Invoke LLM.
		llmCtx, llmSpan := l.tracer.TraceLLMRequest(ctx, l.provider.Name(), l.config.Model)
		llmStart := time.Now()
		chunks, err := l.provider.Complete(llmCtx, &CompletionRequest{
			Model:    l.config.Model,
			System:   l.config.SystemPrompt,
			Messages: toCompletionMessages(pruned),
			Tools:    l.registry.AsLLMTools(),
		})
		if err != nil {
			l.logger.Error(ctx, "llm transport error", "error", err)
			l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, "error", time.Since(llmStart).Seconds(), 0, 0)
			l.metrics.RecordError("agent", "llm_transport")
			l.tracer.RecordError(llmSpan, err)
			llmSpan.End()
			return nil, &LLMTransportErrorDetail{Provider: l.provider.Name(), Cause: err}
		}
		text, toolCalls, err := drainCompletion(llmCtx, chunks)
		l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, completionStatus(err), time.Since(llmStart).Seconds(), 0, 0)
		if err != nil {
			l.logger.Error(ctx, "llm transport error", "error", err)
			l.tracer.RecordError(llmSpan, err)
			llmSpan.End()
			return nil, &LLMTransportErrorDetail{Provider: l.provider.Name(), Cause: err}
		}
		l.tracer.SetAttributes(llmSpan, "agent.tool_calls", len(toolCalls))
		llmSpan.End()

		// 4. Zero-tool case.
		if len(toolCalls) == 0 {
			assistantMsg := l.newMessage(sessionID, models.RoleAssistant, text)
			messages = append(messages, assistantMsg)
			l.persist(ctx, sessionID, assistantMsg)
			l.emit(ctx, models.AgentEvent{Type: models.AgentEventIterFinished, RunID: runID, IterIndex: step})
			l.emit(ctx, models.AgentEvent{Type: models.AgentEventRunFinished, RunID: runID})
			l.metrics.RecordRunAttempt("success")
			return &LoopResult{Messages: messages, FinalText: text, Status: LoopStatusDone, ActiveTabID: activeTabID, Steps: step + 1}, nil
		}

		// 5. Non-zero-tool case.
		assistantMsg := l.newMessage(sessionID, models.RoleAssistant, text)
		assistantMsg.ToolCalls = toolCalls
		messages = append(messages, assistantMsg)
		l.persist(ctx, sessionID, assistantMsg)

		terminalHit := false
		var terminalText string

		for _, tc := range toolCalls {
			// a. Re-check cancellation before execution.
			if ctx.Err() != nil {
				return l.cancel(ctx, runID, sessionID, messages, activeTabID, step), nil
			}

			l.emit(ctx, models.AgentEvent{Type: models.AgentEventToolStarted, RunID: runID, IterIndex: step,
				Tool: &models.ToolEventPayload{CallID: tc.ID, Name: tc.Name, ArgsJSON: tc.Input}})

			// b. Dispatch.
			toolCtx, toolSpan := l.tracer.TraceToolExecution(ctx, tc.Name)
			toolStart := time.Now()
			res, dispatchErr := l.dispatch(toolCtx, tc.Name, tc.Input)
			if dispatchErr != nil {
				res = &ToolResult{Content: dispatchErr.Error(), IsError: true}
			}
			l.metrics.RecordToolExecution(tc.Name, toolStatus(res), time.Since(toolStart).Seconds())
			if res.IsError {
				l.metrics.RecordError("tool", tc.Name)
				l.tracer.RecordError(toolSpan, fmt.Errorf("%s", res.Content))
			}
			toolSpan.End()
			resultText := res.Content

			isTerminal := (l.config.Mode == LoopModeAgent && tc.Name == ToolTaskComplete) ||
				(l.config.Mode == LoopModeSubTask && tc.Name == ToolExtractData)

			if isTerminal {
				terminalHit = true
				terminalText = resultText
			} else {
				// f. Active-tab tracking (click/open_browser carry the sentinel).
				if tabID, ok := parseNewTabSentinel(resultText); ok && tabID != activeTabID {
					activeTabID = tabID
					if l.browser != nil {
						l.browser.SetActiveTab(activeTabID)
					}
				}

				// c. Settle + auto-resnapshot for mutating tools.
				if mutatingTools[tc.Name] {
					time.Sleep(settleDelay(tc.Name, resultText))
					if l.browser != nil {
						if snapText, snapErr := l.browser.Snapshot(ctx, activeTabID); snapErr == nil {
							resultText = resultText + "\n\n" + snapText
						} else {
							l.logger.Warn(ctx, "auto-resnapshot failed", "tab", activeTabID, "error", snapErr)
						}
					}
				}

				// e. Snapshot-loop heuristic.
				if tc.Name == ToolTakeSnapshot {
					snapshotStreak++
				} else {
					snapshotStreak = 0
				}
				if snapshotStreak >= 3 {
					resultText += "\n\n⚠ You have taken several snapshots in a row without acting. " +
						"Act on the page (click/type/select) or call the terminal tool if the task is done."
				}
			}

			l.emit(ctx, models.AgentEvent{Type: models.AgentEventToolFinished, RunID: runID, IterIndex: step,
				Tool: &models.ToolEventPayload{CallID: tc.ID, Name: tc.Name, Success: !res.IsError, ResultJSON: []byte(resultText)}})

			// d. Append tool-role message.
			toolMsg := l.newMessage(sessionID, models.RoleTool, "")
			toolMsg.ToolResults = []models.ToolResult{{ToolCallID: tc.ID, Content: resultText, IsError: res.IsError}}
			messages = append(messages, toolMsg)
			l.persist(ctx, sessionID, toolMsg)

			l.report(progressLine(tc.Name, res.IsError))

			if isTerminal {
				break
			}
		}

		l.emit(ctx, models.AgentEvent{Type: models.AgentEventIterFinished, RunID: runID, IterIndex: step})

		if terminalHit {
			if l.browser != nil {
				l.browser.Detach(activeTabID)
			}
			l.emit(ctx, models.AgentEvent{Type: models.AgentEventRunFinished, RunID: runID})
			l.metrics.RecordRunAttempt("success")
			return &LoopResult{Messages: messages, FinalText: terminalText, Status: LoopStatusDone, ActiveTabID: activeTabID, Steps: step + 1}, nil
		}

		// 6. Persist + loop (per-message persistence already happened above).
	}

	l.logger.Warn(ctx, "step budget exhausted", "budget", l.config.MaxSteps)
	l.metrics.RecordRunAttempt("step_budget_exhausted")
	stepMsg := l.newMessage(sessionID, models.RoleAssistant, "max steps reached")
	messages = append(messages, stepMsg)
	l.persist(ctx, sessionID, stepMsg)
	if l.browser != nil {
		l.browser.Detach(activeTabID)
	}
	l.emit(ctx, models.AgentEvent{Type: models.AgentEventRunFinished, RunID: runID})
	return &LoopResult{Messages: messages, FinalText: stepMsg.Content, Status: LoopStatusStepBudget, ActiveTabID: activeTabID, Steps: l.config.MaxSteps}, nil
}

func (l *AgentLoop) cancel(ctx context.Context, runID, sessionID string, messages []*models.Message, activeTabID string, step int) *LoopResult {
	l.logger.Warn(ctx, "agent loop cancelled", "step", step)
	stop := l.newMessage(sessionID, models.RoleAssistant, "⏹ Automation stopped by user.")
	messages = append(messages, stop)
	// Persist with a fresh background context: the run's own ctx is
	// already cancelled, but the stop marker must still be recorded.
	l.persist(context.Background(), sessionID, stop)
	if l.browser != nil {
		l.browser.Detach(activeTabID)
	}
	l.emit(context.Background(), models.AgentEvent{Type: models.AgentEventRunCancelled, RunID: runID,
		Error: &models.ErrorEventPayload{Message: (&UserAbortError{}).Error()}})
	l.metrics.RecordRunAttempt("cancelled")
	return &LoopResult{Messages: messages, FinalText: stop.Content, Status: LoopStatusCancelled, ActiveTabID: activeTabID, Steps: step}
}

// dispatch executes one tool call, retrying transient ProtocolErrors for
// the tools named in retryableTools (§10.5).
func (l *AgentLoop) dispatch(ctx context.Context, name string, input []byte) (*ToolResult, error) {
	if !retryableTools[name] {
		return l.executor.ExecuteSingle(ctx, name, input)
	}

	var result *ToolResult
	r := retry.Do(ctx, retry.Config{MaxAttempts: 2, InitialDelay: 300 * time.Millisecond, MaxDelay: time.Second, Factor: 2, Jitter: true}, func() error {
		res, err := l.executor.ExecuteSingle(ctx, name, input)
		if err != nil {
			return err
		}
		result = res
		if res.IsError && isTransientProtocolError(res.Content) {
			return fmt.Errorf("transient protocol error: %s", res.Content)
		}
		return nil
	})
	if result == nil {
		return &ToolResult{Content: r.Err.Error(), IsError: true}, nil
	}
	return result, nil
}

func completionStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func toolStatus(res *ToolResult) string {
	if res != nil && res.IsError {
		return "error"
	}
	return "success"
}

func isTransientProtocolError(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range []string{"tab not attached", "not attached", "context canceled", "context deadline exceeded", "target closed", "no target with given id"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func settleDelay(toolName, resultText string) time.Duration {
	switch toolName {
	case ToolPressKey:
		if strings.Contains(resultText, "navigated") {
			return 1500 * time.Millisecond
		}
		return 300 * time.Millisecond
	case ToolWaitForNetworkIdle:
		return 300 * time.Millisecond
	default:
		return 900 * time.Millisecond
	}
}

func parseNewTabSentinel(text string) (string, bool) {
	idx := strings.Index(text, newTabSentinelPrefix)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(newTabSentinelPrefix):]
	if end := strings.IndexAny(rest, " \n\t"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}

func progressLine(toolName string, isError bool) string {
	if isError {
		return fmt.Sprintf("%s failed, retrying or recovering", toolName)
	}
	switch toolName {
	case ToolNavigate, ToolOpenBrowser:
		return "Navigating..."
	case ToolTakeSnapshot:
		return "Reading page"
	case ToolTaskComplete, ToolExtractData:
		return "Data extracted ✓"
	default:
		return fmt.Sprintf("%s done", toolName)
	}
}

func (l *AgentLoop) newMessage(sessionID string, role models.Role, content string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func (l *AgentLoop) persist(ctx context.Context, sessionID string, msg *models.Message) {
	if l.store == nil {
		return
	}
	if err := l.store.AppendMessage(ctx, sessionID, msg); err != nil {
		l.logger.Warn(ctx, "failed to persist message", "session", sessionID, "error", err)
	}
}

func (l *AgentLoop) emit(ctx context.Context, e models.AgentEvent) {
	if l.sink == nil {
		return
	}
	e.Version = 1
	e.Time = time.Now()
	e.Sequence = atomic.AddUint64(&l.seq, 1)
	l.sink.Emit(ctx, e)
}

func toCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}

// messageContents extracts the text content that actually consumes context
// window budget, for a rough token estimate ahead of the LLM call.
func messageContents(messages []*models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		out = append(out, m.Content)
		for _, tr := range m.ToolResults {
			out = append(out, tr.Content)
		}
	}
	return out
}

func drainCompletion(ctx context.Context, ch <-chan *CompletionChunk) (string, []models.ToolCall, error) {
	var text strings.Builder
	var calls []models.ToolCall
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, nil
			}
			if chunk.Error != nil {
				return text.String(), calls, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				return text.String(), calls, nil
			}
		case <-ctx.Done():
			return text.String(), calls, ctx.Err()
		}
	}
}
