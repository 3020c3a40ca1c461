package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Element is one actionable element captured in a PageSnapshot.
type Element struct {
	UID          int            `json:"uid"`
	Role         string         `json:"role"`
	Name         string         `json:"name"`
	Context      string         `json:"context,omitempty"`
	Href         string         `json:"href,omitempty"`
	Type         string         `json:"type,omitempty"`
	Value        string         `json:"value,omitempty"`
	Placeholder  string         `json:"placeholder,omitempty"`
	Checked      bool           `json:"checked,omitempty"`
	Disabled     bool           `json:"disabled,omitempty"`
	AriaExpanded *bool          `json:"ariaExpanded,omitempty"`
	Options      []SelectOption `json:"options,omitempty"`
	Tag          string         `json:"tag,omitempty"`
}

// SelectOption is one <option> entry reported for a <select> element.
type SelectOption struct {
	Value    string `json:"value"`
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
}

// PageSnapshot is the decoded result of the page-injected snapshot procedure.
type PageSnapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Elements []Element `json:"elements"`
	RawText  string    `json:"rawText"`
}

// snapshotScript is injected verbatim into the page so its identifier and
// helper bindings survive untouched by any build step. It classifies,
// deduplicates, and extracts every actionable element reachable from the
// document (including attached shadow roots), assigning each a stable
// data-edith-uid so repeat snapshots reuse the same ids across calls.
const snapshotScript = `(function() {
  try {
    var VIEWPORT_H = window.innerHeight || document.documentElement.clientHeight;
    var VIEWPORT_W = window.innerWidth || document.documentElement.clientWidth;
    var SLACK_X = 100;
    var NEAR_BELOW = VIEWPORT_H * 3;
    var NEAR_ABOVE = VIEWPORT_H * 1;

    function inNearViewport(rect) {
      return rect.bottom >= -NEAR_ABOVE && rect.top <= VIEWPORT_H + NEAR_BELOW &&
             rect.right >= -SLACK_X && rect.left <= VIEWPORT_W + SLACK_X;
    }

    var maxUid = 0;
    document.querySelectorAll('[data-edith-uid]').forEach(function(el) {
      var v = parseInt(el.getAttribute('data-edith-uid'), 10);
      if (!isNaN(v) && v > maxUid) maxUid = v;
    });
    var nextUid = maxUid + 1;

    var CLICKABLE_TAGS = {A:1, BUTTON:1, INPUT:1, SELECT:1, TEXTAREA:1, LABEL:1};
    var ACTIONABLE_ROLES = {button:1, link:1, tab:1, menuitem:1, option:1, checkbox:1,
      radio:1, combobox:1, searchbox:1, textbox:1, slider:1, switch:1};
    var NOISE_ROLES = {presentation:1, none:1, img:1, list:1, listitem:1, row:1,
      group:1, region:1, figure:1, separator:1, note:1, status:1, log:1, timer:1,
      tooltip:1, generic:1};

    function isVisible(el) {
      var rect = el.getBoundingClientRect();
      if (rect.width === 0 && rect.height === 0) return false;
      var style = window.getComputedStyle(el);
      if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
      return true;
    }

    function accessibleName(el) {
      var aria = el.getAttribute('aria-label');
      if (aria) return aria.trim();
      var title = el.getAttribute('title');
      if (title) return title.trim();
      var ph = el.getAttribute('placeholder');
      if (ph) return ph.trim();
      var text = (el.innerText || '').trim();
      if (text) return text.slice(0, 120);
      var alt = el.getAttribute('alt');
      if (alt) return alt.trim();
      var img = el.querySelector && el.querySelector('img[alt]');
      if (img) return (img.getAttribute('alt') || '').trim();
      var name = el.getAttribute('name');
      if (name) return name;
      return '';
    }

    function contextFor(el) {
      var node = el.parentElement;
      var depth = 0;
      while (node && depth < 5) {
        var label = node.getAttribute && node.getAttribute('aria-label');
        if (label) return label.trim();
        var heading = node.querySelector && node.querySelector('h1, h2, h3');
        if (heading && heading.innerText) return heading.innerText.trim().slice(0, 60);
        var role = node.getAttribute && node.getAttribute('role');
        if (role && (role === 'navigation' || role === 'main' || role === 'banner' || role === 'form')) return role;
        if (node.tagName && /^(NAV|MAIN|HEADER|FORM|ASIDE)$/.test(node.tagName)) return node.tagName.toLowerCase();
        node = node.parentElement;
        depth++;
      }
      return '';
    }

    function roleOf(el) {
      var aria = el.getAttribute('role');
      if (aria) return aria;
      return el.tagName.toLowerCase();
    }

    function isActionable(el) {
      var tag = el.tagName;
      var role = el.getAttribute('role');
      if (role && NOISE_ROLES[role]) return false;
      if (CLICKABLE_TAGS[tag]) return true;
      if (el.onclick) return true;
      if (role && ACTIONABLE_ROLES[role]) return true;
      if (el.isContentEditable) return true;
      if (tag === 'VIDEO') return true;
      if ((tag === 'DIV' || tag === 'SPAN' || tag === 'LI') && el.hasAttribute('tabindex') && !role) return false;
      return false;
    }

    var seenClickableAncestors = new Set();

    function isDedupedChild(el) {
      var node = el.parentElement;
      while (node) {
        var tag = node.tagName;
        var role = node.getAttribute && node.getAttribute('role');
        if (tag === 'A' || tag === 'BUTTON' || role === 'link' || role === 'button') {
          if (tag === 'LABEL' || el.tagName === 'LABEL') return false;
          return true;
        }
        node = node.parentElement;
      }
      return false;
    }

    var elements = [];
    var count = 0;

    function walk(root) {
      var all = root.querySelectorAll ? root.querySelectorAll('*') : [];
      for (var i = 0; i < all.length; i++) {
        var el = all[i];
        if (el.shadowRoot) walk(el.shadowRoot);

        if (!isVisible(el)) continue;
        if (!isActionable(el)) continue;

        var tag = el.tagName;
        var type = (tag === 'INPUT') ? (typeof el.type === 'string' ? el.type : '') : '';
        if (type === 'password' || type === 'hidden') continue;

        if (isDedupedChild(el)) continue;

        var name = accessibleName(el);
        if (!name && tag !== 'INPUT' && tag !== 'SELECT' && tag !== 'VIDEO') continue;

        var rect = el.getBoundingClientRect();
        if (!inNearViewport(rect)) continue;

        var uid = el.getAttribute('data-edith-uid');
        if (!uid) {
          uid = String(nextUid++);
          el.setAttribute('data-edith-uid', uid);
        }

        var entry = {
          uid: parseInt(uid, 10),
          role: roleOf(el),
          tag: tag.toLowerCase(),
          name: name,
          context: contextFor(el),
          rect: {x: Math.round(rect.left), y: Math.round(rect.top), w: Math.round(rect.width), h: Math.round(rect.height)},
        };

        if (tag === 'A') entry.href = el.href || '';
        if (tag === 'INPUT') {
          entry.type = type;
          entry.value = el.value || '';
          entry.placeholder = el.getAttribute('placeholder') || '';
          if (type === 'checkbox' || type === 'radio') {
            entry.checked = !!el.checked;
            var ariaChecked = el.getAttribute('aria-checked');
            if (ariaChecked !== null) entry.checked = ariaChecked === 'true';
            var labelEl = el.closest('label') || (el.id && document.querySelector('label[for="' + el.id + '"]'));
            if (labelEl && labelEl.innerText) entry.name = (entry.name + ' ' + labelEl.innerText.trim()).trim();
          }
        }
        if (tag === 'TEXTAREA') {
          entry.value = el.value || '';
          entry.placeholder = el.getAttribute('placeholder') || '';
        }
        if (tag === 'SELECT') {
          var opts = [];
          for (var j = 0; j < el.options.length && j < 30; j++) {
            var o = el.options[j];
            opts.push({value: o.value, text: (o.text || '').slice(0, 60), selected: !!o.selected});
          }
          entry.options = opts;
          var selected = el.options[el.selectedIndex];
          if (selected) entry.name = entry.name + ' (selected: "' + (selected.text || '').slice(0, 60) + '")';
        }

        entry.disabled = !!el.disabled || el.getAttribute('aria-disabled') === 'true';
        var expanded = el.getAttribute('aria-expanded');
        if (expanded !== null) entry.ariaExpanded = expanded === 'true';

        elements.push(entry);
        count++;
      }
    }

    walk(document);

    return JSON.stringify({
      url: location.href,
      title: document.title,
      elements: elements,
      rawText: (document.body ? document.body.innerText : '').slice(0, 5000),
    });
  } catch (err) {
    return JSON.stringify({url: location.href, title: document.title, elements: [], rawText: 'Snapshot error: ' + (err && err.message ? err.message : String(err))});
  }
})()`

// TakeSnapshot waits for the document to become ready, runs the injected
// snapshot procedure, and retries once on failure. On repeated failure it
// degrades to an empty-elements snapshot with best-effort url/title rather
// than propagating an error, so a bad snapshot never aborts a multi-step run.
func TakeSnapshot(ctx context.Context, channel *Channel, tabID string) (*PageSnapshot, error) {
	waitForDocReady(ctx, channel, tabID, 3*time.Second)

	snap, err := evaluateSnapshot(ctx, channel, tabID)
	if err == nil {
		return snap, nil
	}

	time.Sleep(1500 * time.Millisecond)
	snap, err = evaluateSnapshot(ctx, channel, tabID)
	if err == nil {
		return snap, nil
	}

	degraded := &PageSnapshot{Elements: []Element{}, RawText: fmt.Sprintf("Snapshot error: %v", err)}
	if state, ok := channel.bestEffortLocation(ctx, tabID); ok {
		degraded.URL, degraded.Title = state.url, state.title
	}
	return degraded, nil
}

func evaluateSnapshot(ctx context.Context, channel *Channel, tabID string) (*PageSnapshot, error) {
	var raw string
	err := channel.Run(ctx, tabID, chromedp.Evaluate(snapshotScript, &raw))
	if err != nil {
		return nil, err
	}
	var snap PageSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func waitForDocReady(ctx context.Context, channel *Channel, tabID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var state string
		if err := channel.Run(ctx, tabID, chromedp.Evaluate(`document.readyState`, &state)); err == nil && state == "complete" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(300 * time.Millisecond):
		}
	}
}

type locationState struct {
	url   string
	title string
}

func (c *Channel) bestEffortLocation(ctx context.Context, tabID string) (locationState, bool) {
	var url, title string
	if err := c.Run(ctx, tabID, chromedp.Evaluate(`location.href`, &url)); err != nil {
		return locationState{}, false
	}
	_ = c.Run(ctx, tabID, chromedp.Evaluate(`document.title`, &title))
	return locationState{url: url, title: title}, true
}

// FormatSnapshot renders a PageSnapshot into the compact text block the
// LLM reads: a PAGE/TITLE header, a truncated page-text preview, and an
// element list ordered by a fixed tier ladder and capped at a line budget.
func FormatSnapshot(s *PageSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PAGE: %s\nTITLE: %s\n\n", s.URL, s.Title)

	preview := collapseBlankRuns(s.RawText)
	if len(preview) > 800 {
		preview = preview[:800]
	}
	fmt.Fprintf(&b, "PAGE TEXT (first 800 chars):\n%s\n\n", preview)

	ordered := orderByTier(s.Elements)
	fmt.Fprintf(&b, "ELEMENTS (%d total):\n", len(ordered))

	const maxLines = 150
	shown := ordered
	if len(shown) > maxLines {
		shown = shown[:maxLines]
	}
	for _, e := range shown {
		writeElementLine(&b, e)
	}
	if remaining := len(ordered) - len(shown); remaining > 0 {
		fmt.Fprintf(&b, "  ... and %d more (scroll down to see them)\n", remaining)
	}
	return b.String()
}

func writeElementLine(b *strings.Builder, e Element) {
	fmt.Fprintf(b, "  %d | %s | %q", e.UID, typeLabel(e), e.Name)
	if e.Value != "" {
		fmt.Fprintf(b, " (current: %q)", e.Value)
	}
	var flags []string
	switch e.Tag {
	case "input":
		if e.Type == "checkbox" || e.Type == "radio" {
			if e.Checked {
				flags = append(flags, "checked")
			} else {
				flags = append(flags, "unchecked")
			}
		}
	}
	if e.AriaExpanded != nil {
		if *e.AriaExpanded {
			flags = append(flags, "expanded")
		} else {
			flags = append(flags, "collapsed")
		}
	}
	if e.Disabled {
		flags = append(flags, "disabled")
	}
	if len(flags) > 0 {
		fmt.Fprintf(b, " [%s]", strings.Join(flags, "|"))
	}
	if e.Context != "" {
		fmt.Fprintf(b, " [in: %s]", e.Context)
	}
	b.WriteString("\n")
	if e.Tag == "select" && len(e.Options) > 0 {
		opts := make([]string, 0, len(e.Options))
		for _, o := range e.Options {
			opts = append(opts, fmt.Sprintf("%q", o.Text))
		}
		fmt.Fprintf(b, "        options: [%s]\n", strings.Join(opts, ", "))
	}
}

func typeLabel(e Element) string {
	switch {
	case e.Tag == "select":
		return "SELECT"
	case e.Tag == "input" && e.Type == "checkbox":
		return "CHECKBOX"
	case e.Tag == "input" && e.Type == "radio":
		return "RADIO"
	case e.Tag == "input" || e.Tag == "textarea":
		return "INPUT"
	case e.Tag == "video":
		return "VIDEO"
	case e.Role == "button" || e.Tag == "button":
		return "BUTTON"
	default:
		return "LINK"
	}
}

func tierOf(e Element) int {
	switch typeLabel(e) {
	case "SELECT", "INPUT":
		return 0
	case "BUTTON", "CHECKBOX", "RADIO":
		return 1
	case "VIDEO":
		return 2
	default:
		return 3
	}
}

func orderByTier(elements []Element) []Element {
	out := make([]Element, len(elements))
	copy(out, elements)
	// stable partition by tier, preserving original order within a tier
	buckets := make([][]Element, 4)
	for _, e := range out {
		t := tierOf(e)
		buckets[t] = append(buckets[t], e)
	}
	result := make([]Element, 0, len(out))
	for _, bucket := range buckets {
		result = append(result, bucket...)
	}
	return result
}

func collapseBlankRuns(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
