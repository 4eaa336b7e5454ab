package wormhole

import (
	"context"
	"time"
)

// Waitable is a target descriptor for WaitForAny: something that resolves
// to a queue URI to listen on.
type Waitable interface {
	waitableQueueURI() QueueURI
}

type queueWaitable struct {
	uri QueueURI
}

func (w queueWaitable) waitableQueueURI() QueueURI { return w.uri }

// OnQueue targets a plain queue name, optionally disambiguated by tag.
func OnQueue(base string, tag string) Waitable {
	return queueWaitable{uri: QueueURI{Base: base, Tag: tag}}
}

// OnMessage targets the queue a typed message of type T is sent on.
func OnMessage[T any](tag string) Waitable {
	return queueWaitable{uri: QueueURI{Base: QueueBaseForMessage[T](), Tag: tag}}
}

// WaitResult is what WaitForAny returns on a claim.
type WaitResult struct {
	Item  Waitable
	Tag   string
	Data  any
	Reply func(ctx context.Context, data any, isError bool) error
}

// WaitForAny does one blocking multi-queue pop across items, bypassing
// normal handler dispatch entirely: no handler table entry is consulted or
// added. It is mutually exclusive with a registered handler on the same
// queue — whichever call is blocked in the broker's pop first wins; the
// loser sees a timeout. Returns (nil, nil) on timeout.
func WaitForAny(ctx context.Context, n *Node, timeout time.Duration, items ...Waitable) (*WaitResult, error) {
	byURI := make(map[string]Waitable, len(items))
	uris := make([]string, 0, len(items))
	for _, item := range items {
		uri := item.waitableQueueURI().WithoutGroup()
		key := uri.String()
		byURI[key] = item
		uris = append(uris, key)
	}

	popped, err := n.channel.PopNext(ctx, n.id, uris, timeout)
	if err != nil {
		return nil, err
	}
	if popped == nil {
		return nil, nil
	}

	normalized, err := ParseQueueURI(popped.Queue)
	if err != nil {
		return nil, err
	}
	item, ok := byURI[normalized.WithoutGroup().String()]
	if !ok {
		// Claimed off a group-qualified variant of one of our bases.
		item = byURI[QueueURI{Base: normalized.Base, Tag: normalized.Tag}.String()]
	}

	data, _ := n.encoder.DecodeAny(popped.Payload)
	messageID := popped.MessageID

	return &WaitResult{
		Item: item,
		Tag:  normalized.Tag,
		Data: data,
		Reply: func(ctx context.Context, data any, isError bool) error {
			payload, err := n.encoder.Encode(data)
			if err != nil {
				return err
			}
			return n.channel.Reply(ctx, messageID, payload, isError, n.cfg.ReplyExpiration())
		},
	}, nil
}
