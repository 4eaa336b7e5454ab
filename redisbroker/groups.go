package redisbroker

import (
	"context"
	"time"
)

// TouchForGroups refreshes receiverID's membership in every group, all in
// one pipelined round trip, so a node's presence survives as long as it
// keeps calling this once per loop tick.
func (c *Channel) TouchForGroups(ctx context.Context, groups []string, receiverID string, ttl time.Duration) error {
	if err := c.checkOpen("touch_for_groups"); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, group := range groups {
		pipe.Set(ctx, groupKey(group, receiverID), receiverID, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return connErr(err)
	}
	return nil
}

// RemoveFromGroups drops receiverID's membership keys outright, used when a
// node stops advertising a group it previously held.
func (c *Channel) RemoveFromGroups(ctx context.Context, groups []string, receiverID string) error {
	if err := c.checkOpen("remove_from_groups"); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	keys := make([]string, len(groups))
	for i, group := range groups {
		keys[i] = groupKey(group, receiverID)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return connErr(err)
	}
	return nil
}

// FindGroupMembers enumerates the nodes currently advertising group by key
// prefix scan.
func (c *Channel) FindGroupMembers(ctx context.Context, group string) ([]string, error) {
	if err := c.checkOpen("find_group_members"); err != nil {
		return nil, err
	}
	var members []string
	iter := c.client.Scan(ctx, 0, groupKeyPattern(group), 0).Iterator()
	for iter.Next(ctx) {
		members = append(members, nodeFromGroupKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, connErr(err)
	}
	return members, nil
}
