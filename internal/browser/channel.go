// Package browser implements the debugger channel, tab registry, snapshot
// production, and action primitives that drive a real browser over the
// Chrome DevTools Protocol.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ErrNotAttached is returned when a command is sent to a tab the channel
// has not attached to (or has since lost track of).
var ErrNotAttached = fmt.Errorf("tab not attached")

// Channel is the debugger channel: it owns the remote-debugging allocator
// context and a per-tab chromedp context for every attached tab. Attach is
// idempotent; sending a command against an unattached tab fails fast rather
// than silently creating one.
type Channel struct {
	mu       sync.Mutex
	allocCtx context.Context
	cancel   context.CancelFunc
	tabs     map[string]*attachedTab
}

type attachedTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannel dials a Chrome/Chromium instance exposing a remote-debugging
// endpoint (e.g. --remote-debugging-port=9222) and returns a Channel bound
// to it. remoteDebuggingURL is the DevTools websocket or HTTP endpoint.
func NewChannel(ctx context.Context, remoteDebuggingURL string) (*Channel, error) {
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, remoteDebuggingURL)
	return &Channel{
		allocCtx: allocCtx,
		cancel:   cancel,
		tabs:     make(map[string]*attachedTab),
	}, nil
}

// Close tears down the allocator and every attached tab context.
func (c *Channel) Close() {
	c.DetachAll()
	c.cancel()
}

// Attach binds the channel to an existing browser target (tab) by its
// CDP target ID. Idempotent: attaching an already-attached tab is a no-op.
func (c *Channel) Attach(tabID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tabs[tabID]; ok {
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(target.ID(tabID)))
	c.tabs[tabID] = &attachedTab{ctx: tabCtx, cancel: tabCancel}
	return nil
}

// Detach releases the channel's hold on a tab. Idempotent: detaching a tab
// that is not attached (or already gone) is not an error.
func (c *Channel) Detach(tabID string) {
	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	delete(c.tabs, tabID)
	c.mu.Unlock()
	if ok {
		tab.cancel()
	}
}

// DetachAll drains the attached-tab set, cancelling every per-tab context.
func (c *Channel) DetachAll() {
	c.mu.Lock()
	tabs := c.tabs
	c.tabs = make(map[string]*attachedTab)
	c.mu.Unlock()
	for _, tab := range tabs {
		tab.cancel()
	}
}

// IsAttached reports whether the channel currently considers tabID attached.
func (c *Channel) IsAttached(tabID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tabs[tabID]
	return ok
}

// observeDetach removes tabID from the attached set without cancelling its
// context a second time. Used when the tab's own context reports it has
// already ended (e.g. the user closed devtools, or the target navigated
// away from under us) so the attached-tab invariant never holds a stale id.
func (c *Channel) observeDetach(tabID string) {
	c.mu.Lock()
	delete(c.tabs, tabID)
	c.mu.Unlock()
}

// Run executes a chromedp action sequence against an attached tab. Sending
// a command on an unattached tab fails with ErrNotAttached rather than
// silently attaching one — attach is an explicit, separate step.
func (c *Channel) Run(ctx context.Context, tabID string, actions ...chromedp.Action) error {
	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}

	runCtx, cancel := context.WithCancel(tab.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, actions...)
	}()

	select {
	case err := <-done:
		if err != nil && isTargetGoneError(err) {
			c.observeDetach(tabID)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListTargetIDs returns the CDP target ids of every currently open page
// target, used to detect a tab opened as the side effect of a click.
func (c *Channel) ListTargetIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := chromedp.Run(c.allocCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		targets, err := target.GetTargets().Do(ctx)
		if err != nil {
			return err
		}
		for _, t := range targets {
			if t.Type == "page" {
				ids = append(ids, string(t.TargetID))
			}
		}
		return nil
	}))
	return ids, err
}

// requestTracker tracks in-flight network requests on a tab's debugger
// session, updating lastActivity on every request and response event so a
// caller can determine how long the tab has been network-idle.
type requestTracker struct {
	mu           sync.Mutex
	lastActivity time.Time
	inFlight     int
}

func newRequestTracker() *requestTracker {
	return &requestTracker{lastActivity: time.Now()}
}

func (t *requestTracker) idleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		return 0
	}
	return time.Since(t.lastActivity)
}

func (t *requestTracker) touch(delta int) {
	t.mu.Lock()
	t.inFlight += delta
	if t.inFlight < 0 {
		t.inFlight = 0
	}
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// attachListener enables the Network domain on tabID and starts forwarding
// request/response lifecycle events into tracker.
func (c *Channel) attachListener(tabID string, tracker *requestTracker) error {
	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}

	if err := chromedp.Run(tab.ctx, network.Enable()); err != nil {
		return err
	}

	chromedp.ListenTarget(tab.ctx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			tracker.touch(1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			tracker.touch(-1)
		}
	})
	return nil
}

// detachListener disables the Network domain on tabID. Listener callbacks
// registered via ListenTarget are torn down implicitly when the tab's
// context is cancelled (Detach/CloseTab), so this only undoes the Enable.
func (c *Channel) detachListener(tabID string) {
	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = chromedp.Run(tab.ctx, network.Disable())
}

func isTargetGoneError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"target closed", "no target with given id", "context canceled", "session closed"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
