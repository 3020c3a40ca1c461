package browser

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/haasonsaas/browseragent/internal/net/ssrf"
)

// uidSelector returns the CSS selector for the element the snapshot assigned
// the given uid to.
func uidSelector(uid int) string {
	return fmt.Sprintf(`[data-edith-uid="%d"]`, uid)
}

// ActionResult is the outcome of an action primitive. Primitives never
// return a Go error for page-level failures (a missing element, a disabled
// control) — those are reported as an error-shaped Message so the calling
// loop can hand them back to the model as a tool result rather than abort
// the run. A non-nil Err is reserved for channel/transport failures.
type ActionResult struct {
	Message string
	Err     error
}

func ok(msg string) ActionResult  { return ActionResult{Message: msg} }
func fail(format string, args ...any) ActionResult {
	return ActionResult{Message: fmt.Sprintf(format, args...)}
}

// Click clicks the element with the given uid. It tries three strategies in
// order: a native chromedp click on the CSS selector, a synthetic
// HTMLElement.click() call, and dispatching mouse events at the element's
// center. If the click opens a new tab, the result carries the
// "__NEW_TAB__:<id>" sentinel for the most-recently-opened target.
func Click(ctx context.Context, channel *Channel, tabID string, uid int) ActionResult {
	sel := uidSelector(uid)
	before, _ := channel.ListTargetIDs(ctx)

	err := channel.Run(ctx, tabID, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
	if err != nil {
		var clicked bool
		evalErr := channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
			var el = document.querySelector(%q);
			if (!el) return false;
			el.click();
			return true;
		})()`, sel), &clicked))
		if evalErr != nil || !clicked {
			centerErr := channel.Run(ctx, tabID, clickAtCenter(sel))
			if centerErr != nil {
				return fail("click failed: element %d not found or not clickable: %v", uid, centerErr)
			}
		}
	}

	time.Sleep(150 * time.Millisecond)
	after, _ := channel.ListTargetIDs(ctx)
	if newID, found := newestUnseen(before, after); found {
		return ok(fmt.Sprintf("clicked element %d, opened new tab __NEW_TAB__:%s", uid, newID))
	}
	return ok(fmt.Sprintf("clicked element %d", uid))
}

// elementCenter holds the rect center coordinates the page reports for a
// selector, used as the last-resort click strategy.
type elementCenter struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func clickAtCenter(sel string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var center elementCenter
		err := chromedp.Evaluate(fmt.Sprintf(`(function(){
			var el = document.querySelector(%q);
			if (!el) return null;
			var r = el.getBoundingClientRect();
			return {x: r.left + r.width/2, y: r.top + r.height/2};
		})()`, sel), &center).Do(ctx)
		if err != nil {
			return err
		}
		return chromedp.MouseClickXY(center.X, center.Y).Do(ctx)
	}
}

// TypeText types text into the element with the given uid, using the
// InsertText CDP command as the canonical input channel so composed
// characters and IME input behave the same as real typing. clearFirst
// selects between input-element clearing (select-all + delete) and
// contenteditable clearing (innerText reset) based on the element's tag.
func TypeText(ctx context.Context, channel *Channel, tabID string, uid int, text string, clearFirst bool) ActionResult {
	sel := uidSelector(uid)
	if err := channel.Run(ctx, tabID, chromedp.Focus(sel, chromedp.ByQuery)); err != nil {
		return fail("type_text failed: element %d not focusable: %v", uid, err)
	}

	if clearFirst {
		var isEditable bool
		_ = channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
			var el = document.querySelector(%q);
			return !!(el && el.isContentEditable);
		})()`, sel), &isEditable))

		if isEditable {
			_ = channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
				var el = document.querySelector(%q);
				if (el) el.innerText = '';
			})()`, sel), nil))
		} else {
			_ = channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
				var el = document.querySelector(%q);
				if (el && 'value' in el) {
					var proto = Object.getPrototypeOf(el);
					var setter = Object.getOwnPropertyDescriptor(proto, 'value') ||
						Object.getOwnPropertyDescriptor(Object.getPrototypeOf(proto), 'value');
					if (setter && setter.set) setter.set.call(el, '');
					else el.value = '';
					el.dispatchEvent(new Event('input', {bubbles: true}));
				}
			})()`, sel), nil))
		}
	}

	if err := channel.Run(ctx, tabID, chromedp.SendKeys(sel, text, chromedp.ByQuery)); err != nil {
		return fail("type_text failed: could not send keys to element %d: %v", uid, err)
	}
	return ok(fmt.Sprintf("typed into element %d", uid))
}

var keyCodeTable = map[string]input.Key{
	"Enter":      input.Key("Enter"),
	"Tab":        input.Key("Tab"),
	"Escape":     input.Key("Escape"),
	"Backspace":  input.Key("Backspace"),
	"Delete":     input.Key("Delete"),
	"ArrowUp":    input.Key("ArrowUp"),
	"ArrowDown":  input.Key("ArrowDown"),
	"ArrowLeft":  input.Key("ArrowLeft"),
	"ArrowRight": input.Key("ArrowRight"),
	"Home":       input.Key("Home"),
	"End":        input.Key("End"),
	"PageUp":     input.Key("PageUp"),
	"PageDown":   input.Key("PageDown"),
}

// PressKey dispatches a single named key against the currently focused
// element (or the given uid's element, if provided). Enter is treated as a
// form-submission trigger: the call waits briefly afterward for a navigation
// to settle before returning.
func PressKey(ctx context.Context, channel *Channel, tabID string, uid int, key string) ActionResult {
	if _, known := keyCodeTable[key]; !known {
		return fail("press_key failed: unsupported key %q", key)
	}

	if uid > 0 {
		sel := uidSelector(uid)
		_ = channel.Run(ctx, tabID, chromedp.Focus(sel, chromedp.ByQuery))
	}

	if err := channel.Run(ctx, tabID, chromedp.KeyEvent(key)); err != nil {
		return fail("press_key failed: %v", err)
	}

	if key == "Enter" {
		time.Sleep(800 * time.Millisecond)
	}
	return ok(fmt.Sprintf("pressed %s", key))
}

// Scroll scrolls the page (or, if uid is given, the element into view then
// by the given delta) preferring a synthetic mouse wheel event over
// window.scrollBy so the page's own wheel listeners fire as they would for
// a real user gesture.
func Scroll(ctx context.Context, channel *Channel, tabID string, uid int, dx, dy float64) ActionResult {
	if uid > 0 {
		sel := uidSelector(uid)
		if err := channel.Run(ctx, tabID, chromedp.ScrollIntoView(sel, chromedp.ByQuery)); err != nil {
			return fail("scroll failed: element %d not found: %v", uid, err)
		}
		return ok(fmt.Sprintf("scrolled element %d into view", uid))
	}

	err := channel.Run(ctx, tabID, chromedp.ActionFunc(func(c context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, 0, 0).
			WithDeltaX(dx).WithDeltaY(dy).Do(c)
	}))
	if err != nil {
		fallbackErr := channel.Run(ctx, tabID, chromedp.Evaluate(
			fmt.Sprintf(`window.scrollBy(%f, %f)`, dx, dy), nil))
		if fallbackErr != nil {
			return fail("scroll failed: %v", fallbackErr)
		}
	}
	return ok(fmt.Sprintf("scrolled by (%.0f, %.0f)", dx, dy))
}

// SelectOption selects an option on the <select> element with the given
// uid. It matches candidates to option value first, then visible text, then
// a case-insensitive substring of the text, and reports which strategy hit.
func SelectOption(ctx context.Context, channel *Channel, tabID string, uid int, candidate string) ActionResult {
	sel := uidSelector(uid)
	var matched string
	err := channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el || el.tagName !== 'SELECT') return '';
		var want = %q;
		for (var i = 0; i < el.options.length; i++) {
			if (el.options[i].value === want) { el.selectedIndex = i; el.dispatchEvent(new Event('change', {bubbles:true})); return 'value'; }
		}
		for (var i = 0; i < el.options.length; i++) {
			if (el.options[i].text === want) { el.selectedIndex = i; el.dispatchEvent(new Event('change', {bubbles:true})); return 'text'; }
		}
		var lower = want.toLowerCase();
		for (var i = 0; i < el.options.length; i++) {
			if (el.options[i].text.toLowerCase().indexOf(lower) !== -1) { el.selectedIndex = i; el.dispatchEvent(new Event('change', {bubbles:true})); return 'substring'; }
		}
		return '';
	})()`, sel, candidate), &matched))
	if err != nil {
		return fail("select_option failed: %v", err)
	}
	if matched == "" {
		return fail("select_option failed: no option on element %d matched %q", uid, candidate)
	}
	return ok(fmt.Sprintf("selected option on element %d via %s match", uid, matched))
}

// Hover moves the mouse over the element with the given uid.
func Hover(ctx context.Context, channel *Channel, tabID string, uid int) ActionResult {
	sel := uidSelector(uid)
	if err := channel.Run(ctx, tabID, chromedp.ScrollIntoView(sel, chromedp.ByQuery), mouseHover(sel)); err != nil {
		return fail("hover failed: element %d not found: %v", uid, err)
	}
	return ok(fmt.Sprintf("hovered element %d", uid))
}

func mouseHover(sel string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var center elementCenter
		if err := chromedp.Evaluate(fmt.Sprintf(`(function(){
			var el = document.querySelector(%q);
			var r = el.getBoundingClientRect();
			return {x: r.left + r.width/2, y: r.top + r.height/2};
		})()`, sel), &center).Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseMoved, center.X, center.Y).Do(ctx)
	})
}

// SetValue bypasses a framework's wrapped input value setter (React/Vue
// controlled inputs swallow a plain .value assignment) by invoking the
// native HTMLInputElement.prototype value setter directly, then dispatching
// an input event so the framework's change handler still fires.
func SetValue(ctx context.Context, channel *Channel, tabID string, uid int, value string) ActionResult {
	sel := uidSelector(uid)
	var applied bool
	err := channel.Run(ctx, tabID, chromedp.Evaluate(fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el) return false;
		var proto = Object.getPrototypeOf(el);
		var desc = Object.getOwnPropertyDescriptor(proto, 'value') ||
			Object.getOwnPropertyDescriptor(Object.getPrototypeOf(proto), 'value');
		if (desc && desc.set) desc.set.call(el, %q);
		else el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, sel, value, value), &applied))
	if err != nil {
		return fail("set_value failed: %v", err)
	}
	if !applied {
		return fail("set_value failed: element %d not found", uid)
	}
	return ok(fmt.Sprintf("set value on element %d", uid))
}

// WaitForNetworkIdle blocks until no network request has been outstanding
// for idleThreshold, or the overall timeout elapses.
func WaitForNetworkIdle(ctx context.Context, channel *Channel, tabID string, timeout time.Duration) ActionResult {
	const idleThreshold = 500 * time.Millisecond
	tracker := newRequestTracker()

	err := channel.attachListener(tabID, tracker)
	if err != nil {
		return fail("wait_for_network_idle failed: %v", err)
	}
	defer channel.detachListener(tabID)

	deadline := time.Now().Add(timeout)
	for {
		if tracker.idleFor() >= idleThreshold {
			return ok("network idle")
		}
		if time.Now().After(deadline) {
			return ok(fmt.Sprintf("wait_for_network_idle timed out after %s, proceeding", timeout))
		}
		select {
		case <-ctx.Done():
			return fail("wait_for_network_idle cancelled: %v", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Navigate loads url in the tab. Hostnames are resolved and checked against
// the SSRF guard before navigation is attempted, blocking requests to
// private, loopback, link-local, or otherwise non-public addresses.
func Navigate(ctx context.Context, channel *Channel, tabID, rawURL string) ActionResult {
	target := normalizeURL(rawURL)
	parsed, err := url.Parse(target)
	if err != nil {
		return fail("navigate failed: invalid url %q: %v", rawURL, err)
	}
	if host := parsed.Hostname(); host != "" {
		if err := ssrf.ValidatePublicHostname(host); err != nil {
			return fail("navigate blocked: %v", err)
		}
	}

	loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := channel.Run(loadCtx, tabID, chromedp.Navigate(target)); err != nil {
		return fail("navigate failed: %v", err)
	}

	time.Sleep(800 * time.Millisecond)
	return ok(fmt.Sprintf("navigated to %s", target))
}

// newestUnseen returns an id present in after but not before. When more
// than one is new, the last one observed wins, matching the "most recently
// opened tab" tie-break a user would expect from a click.
func newestUnseen(before, after []string) (string, bool) {
	seen := make(map[string]bool, len(before))
	for _, id := range before {
		seen[id] = true
	}
	var newest string
	found := false
	for _, id := range after {
		if !seen[id] {
			newest = id
			found = true
		}
	}
	return newest, found
}
