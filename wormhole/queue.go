// Package wormhole implements the node runtime: handler registration, the
// blocking multi-queue pop loop, sessions, commands, and the wait-for-any
// ad-hoc receive path, all built on top of redisbroker.Channel.
package wormhole

import (
	"regexp"

	"github.com/debox-dev/wormhole/wherr"
)

var queueURIPattern = regexp.MustCompile(`^wh://([^:/]+)(?::([^:/]+))?(?:/([^:/]+))?$`)

// QueueURI is a parsed wh://<base>[:<group>][/<tag>] address.
type QueueURI struct {
	Base  string
	Group string
	Tag   string
}

// ParseQueueURI parses raw against the grammar in spec §6, failing with
// InvalidQueueNameError on anything that doesn't match.
func ParseQueueURI(raw string) (QueueURI, error) {
	m := queueURIPattern.FindStringSubmatch(raw)
	if m == nil {
		return QueueURI{}, &wherr.InvalidQueueNameError{QueueURI: raw}
	}
	return QueueURI{Base: m[1], Group: m[2], Tag: m[3]}, nil
}

// NewQueueURI builds a QueueURI from its parts directly, skipping the
// round trip through String/ParseQueueURI.
func NewQueueURI(base, group, tag string) QueueURI {
	return QueueURI{Base: base, Group: group, Tag: tag}
}

// String renders the URI back to wire form.
func (q QueueURI) String() string {
	s := "wh://" + q.Base
	if q.Group != "" {
		s += ":" + q.Group
	}
	if q.Tag != "" {
		s += "/" + q.Tag
	}
	return s
}

// WithGroup returns a copy addressed at a different group bucket.
func (q QueueURI) WithGroup(group string) QueueURI {
	q.Group = group
	return q
}

// WithoutGroup drops the group component, keeping base and tag. This is how
// the node runtime normalizes a popped URI before looking up its handler:
// a message claimed off a group-qualified variant is still dispatched by
// its base/tag handler entry.
func (q QueueURI) WithoutGroup() QueueURI {
	q.Group = ""
	return q
}

// PrivateQueue returns the well-known per-node command queue.
func PrivateQueue(nodeID string) string {
	return QueueURI{Base: nodeID}.String()
}
