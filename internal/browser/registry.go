package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// TabState is the externally-visible, registry-held state for one tab.
type TabState struct {
	TabID            string
	URL              string
	Title            string
	TaskDescription  string
	LastSnapshotText string
	CreatedAt        time.Time
}

// Registry is the Tab Registry: it owns tab lifecycle (create/close) and
// mediates attach/detach through the underlying debugger Channel. All
// registry-level mutations are serialized with a mutex rather than relying
// on any assumption of single-threaded access, since research sub-tasks
// run concurrently, one goroutine per tab.
type Registry struct {
	mu      sync.Mutex
	channel *Channel
	states  map[string]*TabState
}

// NewRegistry creates a Tab Registry backed by the given debugger channel.
func NewRegistry(channel *Channel) *Registry {
	return &Registry{
		channel: channel,
		states:  make(map[string]*TabState),
	}
}

// CreateTab opens a new browser tab navigated to url (bare hostnames are
// normalized by prefixing "https://") and registers it under a new tab id.
// The returned tab is attached and ready for snapshot/action calls.
func (r *Registry) CreateTab(ctx context.Context, rawURL, taskDescription string) (string, error) {
	normalized := normalizeURL(rawURL)

	tabCtx, _ := chromedp.NewContext(r.channel.allocCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(normalized)); err != nil {
		return "", fmt.Errorf("create tab: navigate %s: %w", normalized, err)
	}

	var targetID target.ID
	if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(c context.Context) error {
		targetID = chromedp.FromContext(c).Target.TargetID
		return nil
	})); err != nil {
		return "", fmt.Errorf("create tab: resolve target id: %w", err)
	}
	tabID := string(targetID)
	if tabID == "" {
		tabID = uuid.NewString()
	}

	if err := r.channel.Attach(tabID); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.states[tabID] = &TabState{
		TabID:           tabID,
		URL:             normalized,
		TaskDescription: taskDescription,
		CreatedAt:       time.Now(),
	}
	r.mu.Unlock()

	return tabID, nil
}

// Attach attaches the debugger channel to an already-known tab.
func (r *Registry) Attach(tabID string) error {
	return r.channel.Attach(tabID)
}

// Detach releases the debugger channel's hold on a tab. Idempotent.
func (r *Registry) Detach(tabID string) {
	r.channel.Detach(tabID)
}

// DetachAll detaches every currently-attached tab.
func (r *Registry) DetachAll() {
	r.channel.DetachAll()
}

// CloseTab detaches and forgets a tab. Idempotent: closing a tab that is
// already gone is not an error.
func (r *Registry) CloseTab(tabID string) {
	r.channel.Detach(tabID)
	r.mu.Lock()
	delete(r.states, tabID)
	r.mu.Unlock()
}

// CloseAll detaches every tab (closeAll detaches before removing) and
// clears the registry.
func (r *Registry) CloseAll() {
	r.channel.DetachAll()
	r.mu.Lock()
	r.states = make(map[string]*TabState)
	r.mu.Unlock()
}

// UpdateState merges partial into the stored state for tabID.
func (r *Registry) UpdateState(tabID string, partial func(*TabState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[tabID]
	if !ok {
		state = &TabState{TabID: tabID, CreatedAt: time.Now()}
		r.states[tabID] = state
	}
	partial(state)
}

// GetState returns a copy of the stored state for tabID.
func (r *Registry) GetState(tabID string) (TabState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[tabID]
	if !ok {
		return TabState{}, false
	}
	return *state, true
}

// GetAllStates returns a snapshot copy of every tracked tab's state.
func (r *Registry) GetAllStates() []TabState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TabState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, *s)
	}
	return out
}

func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "about:blank"
	}
	if strings.Contains(trimmed, "://") {
		return trimmed
	}
	return "https://" + trimmed
}
