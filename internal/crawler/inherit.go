package crawler

import (
	"fmt"
	"slices"
)

// InheritOptions controls how children derive state from their parent.
type InheritOptions struct {
	Ordering      Ordering
	PriorityFloor int
}

// DecayPriority makes a child one step more urgent than its parent, never below floor.
func DecayPriority(parent, floor int) int {
	return max(parent-1, floor)
}

// Inherit applies parent state to a freshly yielded child task.
// Context merges parent, then response cookies, then the child's own keys; later layers win.
// Relative URLs resolve against the response.
func Inherit(parent, child *Task, resp *Response, opts InheritOptions) error {
	base := parent.Target.URL
	inherited := parent.Context
	if resp != nil {
		if resp.URL != "" {
			base = resp.URL
		}
		inherited = inherited.Merge(TaskContext{Cookies: resp.Cookies})
	}
	resolved, err := ResolveURL(base, child.Target.URL)
	if err != nil {
		return fmt.Errorf("resolve child url: %w", err)
	}
	child.Target.URL = resolved
	child.Target.Method = child.Target.HTTPMethod()
	child.Context = inherited.Merge(child.Context)
	if opts.Ordering == OrderPriority {
		child.Priority = DecayPriority(parent.Priority, opts.PriorityFloor)
	}
	child.Retries = 0
	child.Depth = parent.Depth + 1
	child.Lineage = append(slices.Clone(parent.Lineage), parent.ID)
	return nil
}
