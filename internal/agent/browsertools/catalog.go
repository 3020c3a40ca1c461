package browsertools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/browseragent/internal/agent"
	"github.com/haasonsaas/browseragent/internal/browser"
)

func msToDuration(ms int) time.Duration {
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// BuildAgentCatalog returns the single-tab agent's full tool catalog:
// the nine action primitives, take_snapshot, open_browser, and the
// terminal tool task_complete (§4.6).
func BuildAgentCatalog(channel *browser.Channel, registry *browser.Registry, tabCtx *TabContext) []agent.Tool {
	tools := actionPrimitives(channel, tabCtx)
	tools = append(tools,
		&takeSnapshotTool{channel: channel, tabCtx: tabCtx},
		&openBrowserTool{registry: registry, tabCtx: tabCtx},
		&taskCompleteTool{},
	)
	return tools
}

// BuildSubTaskCatalog returns a research sub-task's tool catalog: the
// action primitives, take_snapshot, and the terminal tool extract_data —
// no open_browser, since the orchestrator already created the tab (§4.5).
func BuildSubTaskCatalog(channel *browser.Channel, tabCtx *TabContext) []agent.Tool {
	tools := actionPrimitives(channel, tabCtx)
	tools = append(tools,
		&takeSnapshotTool{channel: channel, tabCtx: tabCtx},
		&extractDataTool{},
	)
	return tools
}

// RegisterAll registers every tool in tools into reg.
func RegisterAll(reg *agent.ToolRegistry, tools []agent.Tool) {
	for _, t := range tools {
		reg.Register(t)
	}
}

func actionPrimitives(channel *browser.Channel, tabCtx *TabContext) []agent.Tool {
	return []agent.Tool{
		&clickTool{channel: channel, tabCtx: tabCtx},
		&typeTextTool{channel: channel, tabCtx: tabCtx},
		&pressKeyTool{channel: channel, tabCtx: tabCtx},
		&scrollTool{channel: channel, tabCtx: tabCtx},
		&selectOptionTool{channel: channel, tabCtx: tabCtx},
		&hoverTool{channel: channel, tabCtx: tabCtx},
		&setValueTool{channel: channel, tabCtx: tabCtx},
		&waitForNetworkIdleTool{channel: channel, tabCtx: tabCtx},
		&navigateTool{channel: channel, tabCtx: tabCtx},
	}
}

func actionResultToTool(r browser.ActionResult) (*agent.ToolResult, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return &agent.ToolResult{Content: r.Message}, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

// --- click ---

type clickTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *clickTool) Name() string        { return agent.ToolClick }
func (t *clickTool) Description() string { return "Click the element with the given uid from the most recent page snapshot." }
func (t *clickTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uid":{"type":"integer","description":"Element uid from the snapshot"}},"required":["uid"]}`)
}
func (t *clickTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		UID int `json:"uid"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.Click(ctx, t.channel, t.tabCtx.Get(), in.UID))
}

// --- type_text ---

type typeTextTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *typeTextTool) Name() string { return agent.ToolTypeText }
func (t *typeTextTool) Description() string {
	return "Type text into the focused/targeted input or contenteditable element identified by uid."
}
func (t *typeTextTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uid":{"type":"integer"},"text":{"type":"string"},"clear_first":{"type":"boolean","default":true}},"required":["uid","text"]}`)
}
func (t *typeTextTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in := struct {
		UID        int    `json:"uid"`
		Text       string `json:"text"`
		ClearFirst *bool  `json:"clear_first"`
	}{}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	clear := true
	if in.ClearFirst != nil {
		clear = *in.ClearFirst
	}
	return actionResultToTool(browser.TypeText(ctx, t.channel, t.tabCtx.Get(), in.UID, in.Text, clear))
}

// --- press_key ---

type pressKeyTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *pressKeyTool) Name() string        { return agent.ToolPressKey }
func (t *pressKeyTool) Description() string { return "Press a single key (Enter, Tab, Escape, ArrowDown, ArrowUp, Backspace, or any printable character), optionally focusing uid first." }
func (t *pressKeyTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"uid":{"type":"integer"}},"required":["key"]}`)
}
func (t *pressKeyTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Key string `json:"key"`
		UID int    `json:"uid"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.PressKey(ctx, t.channel, t.tabCtx.Get(), in.UID, in.Key))
}

// --- scroll ---

type scrollTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *scrollTool) Name() string        { return agent.ToolScroll }
func (t *scrollTool) Description() string { return "Scroll the page by direction and amount." }
func (t *scrollTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"direction":{"type":"string","enum":["up","down","left","right"]},"amount":{"type":"number","default":600},"uid":{"type":"integer","description":"If set, scrolls this element into view instead of scrolling the page"}},"required":["direction"]}`)
}
func (t *scrollTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in := struct {
		Direction string   `json:"direction"`
		Amount    *float64 `json:"amount"`
		UID       int      `json:"uid"`
	}{}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if in.UID > 0 {
		return actionResultToTool(browser.Scroll(ctx, t.channel, t.tabCtx.Get(), in.UID, 0, 0))
	}
	amount := 600.0
	if in.Amount != nil {
		amount = *in.Amount
	}
	var dx, dy float64
	switch in.Direction {
	case "up":
		dy = -amount
	case "down":
		dy = amount
	case "left":
		dx = -amount
	case "right":
		dx = amount
	default:
		return &agent.ToolResult{Content: "invalid direction: " + in.Direction, IsError: true}, nil
	}
	return actionResultToTool(browser.Scroll(ctx, t.channel, t.tabCtx.Get(), 0, dx, dy))
}

// --- select_option ---

type selectOptionTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *selectOptionTool) Name() string        { return agent.ToolSelectOption }
func (t *selectOptionTool) Description() string { return "Select an <option> on the <select> element identified by uid, matched by value then visible text." }
func (t *selectOptionTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uid":{"type":"integer"},"value":{"type":"string"}},"required":["uid","value"]}`)
}
func (t *selectOptionTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		UID   int    `json:"uid"`
		Value string `json:"value"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.SelectOption(ctx, t.channel, t.tabCtx.Get(), in.UID, in.Value))
}

// --- hover ---

type hoverTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *hoverTool) Name() string        { return agent.ToolHover }
func (t *hoverTool) Description() string { return "Hover the mouse over the element identified by uid." }
func (t *hoverTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uid":{"type":"integer"}},"required":["uid"]}`)
}
func (t *hoverTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		UID int `json:"uid"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.Hover(ctx, t.channel, t.tabCtx.Get(), in.UID))
}

// --- set_value ---

type setValueTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *setValueTool) Name() string        { return agent.ToolSetValue }
func (t *setValueTool) Description() string {
	return "Set an input/textarea's value directly via the native value setter, bypassing keystroke events. Use for price/quantity fields type_text struggles with."
}
func (t *setValueTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uid":{"type":"integer"},"value":{"type":"string"}},"required":["uid","value"]}`)
}
func (t *setValueTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		UID   int    `json:"uid"`
		Value string `json:"value"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.SetValue(ctx, t.channel, t.tabCtx.Get(), in.UID, in.Value))
}

// --- wait_for_network_idle ---

type waitForNetworkIdleTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *waitForNetworkIdleTool) Name() string        { return agent.ToolWaitForNetworkIdle }
func (t *waitForNetworkIdleTool) Description() string { return "Wait until the page has had no in-flight network requests for at least 500ms, or until timeout." }
func (t *waitForNetworkIdleTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"timeout_ms":{"type":"integer","default":5000}}}`)
}
func (t *waitForNetworkIdleTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		TimeoutMS *int `json:"timeout_ms"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	timeout := 5000
	if in.TimeoutMS != nil {
		timeout = *in.TimeoutMS
	}
	return actionResultToTool(browser.WaitForNetworkIdle(ctx, t.channel, t.tabCtx.Get(), msToDuration(timeout)))
}

// --- navigate ---

type navigateTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *navigateTool) Name() string        { return agent.ToolNavigate }
func (t *navigateTool) Description() string { return "Navigate the current tab to a URL." }
func (t *navigateTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)
}
func (t *navigateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	return actionResultToTool(browser.Navigate(ctx, t.channel, t.tabCtx.Get(), in.URL))
}

// --- take_snapshot ---

type takeSnapshotTool struct {
	channel *browser.Channel
	tabCtx  *TabContext
}

func (t *takeSnapshotTool) Name() string        { return agent.ToolTakeSnapshot }
func (t *takeSnapshotTool) Description() string { return "Re-observe the current tab's page and return the list of actionable elements." }
func (t *takeSnapshotTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *takeSnapshotTool) Execute(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	snap, err := browser.TakeSnapshot(ctx, t.channel, t.tabCtx.Get())
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: browser.FormatSnapshot(snap)}, nil
}

// --- open_browser ---

type openBrowserTool struct {
	registry *browser.Registry
	tabCtx   *TabContext
}

func (t *openBrowserTool) Name() string        { return agent.ToolOpenBrowser }
func (t *openBrowserTool) Description() string { return "Open a new browser tab at the given URL and make it the active tab." }
func (t *openBrowserTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"task_description":{"type":"string"}},"required":["url"]}`)
}
func (t *openBrowserTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL             string `json:"url"`
		TaskDescription string `json:"task_description"`
	}
	if err := unmarshalParams(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	tabID, err := t.registry.CreateTab(ctx, in.URL, in.TaskDescription)
	if err != nil {
		return &agent.ToolResult{Content: "open_browser failed: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Opened tab on %s __NEW_TAB__:%s", in.URL, tabID)}, nil
}

// --- task_complete (terminal, single-tab agent) ---

type taskCompleteTool struct{}

func (t *taskCompleteTool) Name() string        { return agent.ToolTaskComplete }
func (t *taskCompleteTool) Description() string { return "Call when the user's task is fully complete. Ends the run." }
func (t *taskCompleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string","description":"What was accomplished"}},"required":["summary"]}`)
}
func (t *taskCompleteTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Summary string `json:"summary"`
	}
	_ = unmarshalParams(params, &in)
	return &agent.ToolResult{Content: in.Summary}, nil
}

// --- extract_data (terminal, research sub-task) ---

type extractDataTool struct{}

func (t *extractDataTool) Name() string        { return agent.ToolExtractData }
func (t *extractDataTool) Description() string { return "Call with the extracted information once the assigned source has been read. Ends the sub-task." }
func (t *extractDataTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"data":{"type":"string"}},"required":["data"]}`)
}
func (t *extractDataTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Data string `json:"data"`
	}
	_ = unmarshalParams(params, &in)
	return &agent.ToolResult{Content: in.Data}, nil
}
