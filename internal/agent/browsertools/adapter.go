package browsertools

import (
	"context"

	"github.com/haasonsaas/browseragent/internal/browser"
)

// Adapter implements the agent package's Browser interface over a live
// Debugger Channel and Tab Registry, and also doubles as the shared state
// the tool catalog closures read the active tab id from.
type Adapter struct {
	channel  *browser.Channel
	registry *browser.Registry
	tabCtx   *TabContext
}

// NewAdapter builds a Browser adapter and the TabContext its tool catalog
// will share. Call BuildCatalog with the same tabCtx to wire tools that
// always act on whatever tab the Agent Loop most recently made active.
func NewAdapter(channel *browser.Channel, registry *browser.Registry) (*Adapter, *TabContext) {
	tabCtx := &TabContext{}
	return &Adapter{channel: channel, registry: registry, tabCtx: tabCtx}, tabCtx
}

// Snapshot re-observes tabID, formats it, and records it on the Tab
// Registry's state (so getAllStates/getState reflect the latest view).
func (a *Adapter) Snapshot(ctx context.Context, tabID string) (string, error) {
	snap, err := browser.TakeSnapshot(ctx, a.channel, tabID)
	if err != nil {
		return "", err
	}
	formatted := browser.FormatSnapshot(snap)
	a.registry.UpdateState(tabID, func(s *browser.TabState) {
		s.URL = snap.URL
		s.Title = snap.Title
		s.LastSnapshotText = formatted
	})
	return formatted, nil
}

// Detach releases the debugger's hold on tabID via the registry, which
// forwards to the Channel. Idempotent.
func (a *Adapter) Detach(tabID string) {
	a.registry.Detach(tabID)
}

// SetActiveTab updates the shared TabContext the tool catalog dispatches
// against.
func (a *Adapter) SetActiveTab(tabID string) {
	a.tabCtx.Set(tabID)
}
