// Package browsertools wires internal/browser's Observation & Action Layer
// into the agent package's Tool and Browser interfaces, keeping the layering
// boundary the Agent Loop depends on: internal/agent never imports
// internal/browser directly, only the interfaces declared alongside it.
package browsertools

import "sync"

// TabContext holds the tab id the next dispatched action primitive should
// target. One TabContext is shared by one AgentLoop run's Adapter and its
// entire tool catalog; a research sub-task builds its own TabContext so
// concurrent sub-task loops never contend over which tab is "active."
type TabContext struct {
	mu    sync.RWMutex
	tabID string
}

func (c *TabContext) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabID
}

func (c *TabContext) Set(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabID = tabID
}
