package graphsync

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// RedisGraph projects items into Redis: one hash per node, a set of outgoing edges per
// node and a membership set per memory space.
type RedisGraph struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGraph creates a Redis sink whose keys start with prefix.
func NewRedisGraph(client redis.UniversalClient, prefix string) *RedisGraph {
	if prefix == "" {
		prefix = "cortex:graph"
	}
	return &RedisGraph{client: client, prefix: prefix}
}

func (g *RedisGraph) nodeKey(table, id string) string { return fmt.Sprintf("%s:node:%s:%s", g.prefix, table, id) }
func (g *RedisGraph) edgesKey(table, id string) string { return fmt.Sprintf("%s:edges:%s:%s", g.prefix, table, id) }
func (g *RedisGraph) spaceKey(tenant, space string) string {
	return fmt.Sprintf("%s:space:%s/%s", g.prefix, tenant, space)
}

// Upsert replaces the node and its outgoing edges.
func (g *RedisGraph) Upsert(ctx context.Context, it Item) error {
	snap, err := decodeSnapshot(it)
	if err != nil {
		return err
	}
	edges := edgesOf(it, snap)
	node, edgeSet := g.nodeKey(it.Table, it.EntityID), g.edgesKey(it.Table, it.EntityID)
	_, err = g.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, node, map[string]any{
			"table":         it.Table,
			"entityId":      it.EntityID,
			"tenantId":      it.TenantID,
			"memorySpaceId": it.MemorySpaceID,
			"entity":        string(it.Entity),
			"revision":      it.Revision,
		})
		p.Del(ctx, edgeSet)
		if len(edges) > 0 {
			p.SAdd(ctx, edgeSet, lo.ToAnySlice(lo.Map(edges, func(e Edge, _ int) string { return e.String() }))...)
		}
		if it.MemorySpaceID != "" {
			p.SAdd(ctx, g.spaceKey(it.TenantID, it.MemorySpaceID), it.Table+":"+it.EntityID)
		}
		return nil
	})
	if err != nil {
		return unavailable("redis_graph", err)
	}
	return nil
}

// Delete removes the node, its edges and its space membership.
func (g *RedisGraph) Delete(ctx context.Context, it Item) error {
	_, err := g.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, g.nodeKey(it.Table, it.EntityID), g.edgesKey(it.Table, it.EntityID))
		if it.MemorySpaceID != "" {
			p.SRem(ctx, g.spaceKey(it.TenantID, it.MemorySpaceID), it.Table+":"+it.EntityID)
		}
		return nil
	})
	if err != nil {
		return unavailable("redis_graph", err)
	}
	return nil
}

// Edges returns the stored outgoing edges of a node.
func (g *RedisGraph) Edges(ctx context.Context, table, entityID string) ([]string, error) {
	return g.client.SMembers(ctx, g.edgesKey(table, entityID)).Result()
}

// Node returns the stored fields of a node.
func (g *RedisGraph) Node(ctx context.Context, table, entityID string) (map[string]string, error) {
	return g.client.HGetAll(ctx, g.nodeKey(table, entityID)).Result()
}
