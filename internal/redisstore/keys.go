// Package redisstore owns the shared-store connection and the key namespace every worker agrees on.
package redisstore

import "strings"

// Keys builds the shared-store key names for one crawl.
type Keys struct {
	Prefix string
}

// NewKeys returns Keys for the crawl named prefix. An empty prefix yields the bare logical names.
func NewKeys(prefix string) Keys {
	return Keys{Prefix: strings.TrimSuffix(prefix, ":")}
}

func (k Keys) key(name string) string {
	if k.Prefix == "" {
		return name
	}
	return k.Prefix + ":" + name
}

// Request is the task backlog.
func (k Keys) Request() string { return k.key("queue:request") }

// Item is the record backlog.
func (k Keys) Item() string { return k.key("queue:item") }

// FilterRequest is the task dedup structure.
func (k Keys) FilterRequest() string { return k.key("queue:filter:request") }

// FilterItem is the record dedup structure.
func (k Keys) FilterItem() string { return k.key("queue:filter:item") }

// DeadRequest is the dead-letter set for tasks.
func (k Keys) DeadRequest() string { return k.key("queue:dead:request") }

// DeadItem is the dead-letter set for records.
func (k Keys) DeadItem() string { return k.key("queue:dead:item") }

// Heartbeat is the hash of worker id to heartbeat JSON.
func (k Keys) Heartbeat() string { return k.key("heartbeat") }

// HeartbeatFailed is the set of suspected-dead worker ids.
func (k Keys) HeartbeatFailed() string { return k.key("heartbeat:failed") }

// Master holds the leader token.
func (k Keys) Master() string { return k.key("master") }

// Stop is the global termination sentinel.
func (k Keys) Stop() string { return k.key("stop") }

// Stats is the hash of aggregated execution counters.
func (k Keys) Stats() string { return k.key("stats") }

// LockPrefix is prepended to lock names.
func (k Keys) LockPrefix() string { return k.key("lock:") }

// Lock is the key of the named lock.
func (k Keys) Lock(name string) string { return k.LockPrefix() + name }

// Filters lists the dedup keys removed at shutdown unless filters persist.
func (k Keys) Filters() []string {
	return []string{k.FilterRequest(), k.FilterItem()}
}

// Coordination lists the keys the leader clears when the crawl ends.
func (k Keys) Coordination() []string {
	return []string{k.Master(), k.Stop(), k.Heartbeat(), k.HeartbeatFailed()}
}
