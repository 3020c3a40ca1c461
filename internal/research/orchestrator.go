// Package research implements the Research Orchestrator (§4.5): a
// three-phase map-reduce that decomposes a prompt into parallel
// single-source sub-tasks, runs one Agent Loop per sub-task against its
// own tab, and synthesizes the per-source results into one answer.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/browseragent/internal/agent"
	"github.com/haasonsaas/browseragent/internal/agent/browsertools"
	"github.com/haasonsaas/browseragent/internal/browser"
	"github.com/haasonsaas/browseragent/internal/observability"
	"github.com/haasonsaas/browseragent/pkg/models"
)

// SubTask is one decomposed research source.
type SubTask struct {
	Description    string `json:"description"`
	URL            string `json:"url"`
	ExtractionGoal string `json:"extractionGoal"`
}

// Plan is the Phase 1 decomposition result.
type Plan struct {
	IsResearch bool      `json:"isResearch"`
	Reasoning  string    `json:"reasoning"`
	SubTasks   []SubTask `json:"subTasks"`
}

// SubTaskStatus is one sub-task's terminal disposition.
type SubTaskStatus string

const (
	StatusSuccess SubTaskStatus = "success"
	StatusTimeout SubTaskStatus = "timeout"
	StatusError   SubTaskStatus = "error"
)

// SubTaskResult is one sub-task's outcome, fed into Phase 3's aggregation.
type SubTaskResult struct {
	TabID         string
	SubTask       SubTask
	Status        SubTaskStatus
	ExtractedData string
	Error         string
}

// Result is the orchestrator's final output.
type Result struct {
	Plan        Plan
	SubResults  []SubTaskResult
	FinalAnswer string
}

// Config bounds Phase 2's fan-out.
type Config struct {
	MaxTabs        int
	SubTaskTimeout time.Duration
	Model          string
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 5
	}
	if cfg.SubTaskTimeout <= 0 {
		cfg.SubTaskTimeout = 90 * time.Second
	}
	return cfg
}

// Orchestrator drives the three-phase map-reduce over a live browser.
type Orchestrator struct {
	provider agent.LLMProvider
	channel  *browser.Channel
	registry *browser.Registry
	config   Config
	logger   *observability.Logger
}

func New(provider agent.LLMProvider, channel *browser.Channel, registry *browser.Registry, config Config, logger *observability.Logger) *Orchestrator {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Orchestrator{provider: provider, channel: channel, registry: registry, config: sanitizeConfig(config), logger: logger}
}

const decomposeSystemPrompt = `You decide whether a user's request is best answered by reading multiple ` +
	`independent web sources in parallel ("research") or by driving a single browser tab step by step. ` +
	`Respond with ONLY a JSON object: {"isResearch": bool, "reasoning": string, "subTasks": ` +
	`[{"description": string, "url": string, "extractionGoal": string}]}. Each sub-task must be answerable ` +
	`by reading exactly one URL. Never propose more than 5 sub-tasks. If the request doesn't benefit from ` +
	`parallel research, set isResearch to false and leave subTasks empty.`

// Decompose runs Phase 1: one LLM call producing a Plan. Decomposition
// failures (parse error, fewer than two sub-tasks) fall back to
// isResearch=false rather than propagating an error, so the caller can
// always fall back to the single-tab Agent Loop (§4.5).
func (o *Orchestrator) Decompose(ctx context.Context, prompt string) (*Plan, error) {
	text, err := o.completeText(ctx, decomposeSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("decompose: llm call failed: %w", err)
	}

	plan := &Plan{}
	if jsonErr := json.Unmarshal([]byte(stripCodeFences(text)), plan); jsonErr != nil {
		o.logger.Warn(ctx, "research decomposition did not parse as JSON, falling back to single-tab agent", "error", jsonErr)
		return &Plan{IsResearch: false}, nil
	}

	if len(plan.SubTasks) > o.config.MaxTabs {
		o.logger.Info(ctx, "truncating research plan to MaxTabs", "proposed", len(plan.SubTasks), "max", o.config.MaxTabs)
		plan.SubTasks = plan.SubTasks[:o.config.MaxTabs]
	}
	if len(plan.SubTasks) < 2 {
		plan.IsResearch = false
	}
	return plan, nil
}

// Execute runs Phases 2 and 3 for a plan already known to be research
// (IsResearch == true): one tab and one sub-task Agent Loop per SubTask,
// run concurrently, followed by one synthesis LLM call.
func (o *Orchestrator) Execute(ctx context.Context, originalPrompt string, plan *Plan, progress func(string)) (*Result, error) {
	results := o.runSubTasks(ctx, plan.SubTasks, progress)

	answer, err := o.aggregate(ctx, originalPrompt, results)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	return &Result{Plan: *plan, SubResults: results, FinalAnswer: answer}, nil
}

// runSubTasks is Phase 2: parallel sub-task Agent Loops, fanned out with a
// bounded errgroup (§10.5). Every sub-task either succeeds, times out, or
// errors; one sub-task's failure never aborts its peers ("settle-all").
func (o *Orchestrator) runSubTasks(ctx context.Context, subTasks []SubTask, progress func(string)) []SubTaskResult {
	results := make([]SubTaskResult, len(subTasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.MaxTabs)

	for i, st := range subTasks {
		i, st := i, st
		g.Go(func() error {
			results[i] = o.runSubTask(gctx, st, progress)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) runSubTask(ctx context.Context, st SubTask, progress func(string)) SubTaskResult {
	report := func(status string) {
		if progress != nil {
			progress(status)
		}
	}

	report("Navigating...")
	tabID, err := o.registry.CreateTab(ctx, st.URL, st.Description)
	if err != nil {
		return SubTaskResult{SubTask: st, Status: StatusError, Error: err.Error()}
	}
	defer o.registry.Detach(tabID)

	time.Sleep(2 * time.Second)

	subCtx, cancel := context.WithTimeout(ctx, o.config.SubTaskTimeout)
	defer cancel()

	adapter, tabCtx := browsertools.NewAdapter(o.channel, o.registry)
	tabCtx.Set(tabID)

	registry := agent.NewToolRegistry()
	browsertools.RegisterAll(registry, browsertools.BuildSubTaskCatalog(o.channel, tabCtx))

	loop := agent.NewAgentLoop(o.provider, registry, adapter, nil, nil, o.logger, agent.SubTaskLoopConfig())
	loop.SetProgress(report)

	prompt := fmt.Sprintf("%s\n\nExtraction goal: %s", st.Description, st.ExtractionGoal)
	messages := []*models.Message{{Role: models.RoleUser, Content: prompt}}

	result, runErr := loop.Run(subCtx, "research-"+tabID, messages, tabID)
	if runErr != nil {
		return SubTaskResult{TabID: tabID, SubTask: st, Status: StatusError, Error: runErr.Error()}
	}

	if subCtx.Err() != nil {
		snap, snapErr := browser.TakeSnapshot(context.Background(), o.channel, tabID)
		partial := ""
		if snapErr == nil {
			partial = truncate(snap.RawText, 2000)
		}
		report("Data extracted ✓ (partial, timed out)")
		return SubTaskResult{TabID: tabID, SubTask: st, Status: StatusTimeout, ExtractedData: partial}
	}

	report("Data extracted ✓")
	return SubTaskResult{TabID: tabID, SubTask: st, Status: StatusSuccess, ExtractedData: result.FinalText}
}

const aggregateSystemPrompt = `You synthesize research findings from multiple independently-read sources ` +
	`into one answer to the user's original request. Cite which source each fact came from by URL. If a ` +
	`source timed out or errored, note the gap rather than inventing data for it.`

// aggregate is Phase 3: one LLM call synthesizing the per-source blocks.
func (o *Orchestrator) aggregate(ctx context.Context, originalPrompt string, results []SubTaskResult) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original request: %s\n\n", originalPrompt)
	for _, r := range results {
		fmt.Fprintf(&sb, "Source: %s (%s)\nStatus: %s\n", r.SubTask.URL, r.SubTask.Description, r.Status)
		if r.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n\n", r.Error)
			continue
		}
		fmt.Fprintf(&sb, "Data:\n%s\n\n", r.ExtractedData)
	}
	return o.completeText(ctx, aggregateSystemPrompt, sb.String())
}

func (o *Orchestrator) completeText(ctx context.Context, system, userPrompt string) (string, error) {
	chunks, err := o.provider.Complete(ctx, &agent.CompletionRequest{
		Model:  o.config.Model,
		System: system,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), nil
			}
			if chunk.Error != nil {
				return text.String(), chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.Done {
				return text.String(), nil
			}
		case <-ctx.Done():
			return text.String(), ctx.Err()
		}
	}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
