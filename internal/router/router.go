// Package router implements the input router (C3): translating an
// agent's "what do I know that's relevant" request into a filtered,
// ranked memory slice, backed by an LRU result cache, plus the inbox
// fan-in agents use to hand each other payloads.
package router

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	retrieveLimit      = 10
	cacheHighWatermark = 100
	cacheLowWatermark  = 50
	importanceFloor    = 0.7
	inboxBufferSize    = 64
)

// Context carries the salient fields a retrieve() call is scored
// against: symbol, signal type, timeframe, strategy, market regime, in
// that fixed order, per §4.3.
type Context struct {
	Symbol       string
	SignalType   string
	Timeframe    string
	Strategy     string
	MarketRegime string
}

func (c Context) queryString(agent, queryType string) string {
	parts := []string{agent, queryType, c.Symbol, c.SignalType, c.Timeframe, c.Strategy, c.MarketRegime}
	return strings.Join(parts, " ")
}

func (c Context) hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{c.Symbol, c.SignalType, c.Timeframe, c.Strategy, c.MarketRegime}, "|")))
	return h.Sum64()
}

func cacheKey(agent, queryType string, ctx Context) string {
	return fmt.Sprintf("%s|%s|%x", agent, queryType, ctx.hash())
}

// Payload is what one agent hands another through send().
type Payload struct {
	From string
	Kind string
	Data interface{}
}

// Router is the C3 input router. One Router is shared by the whole
// agent fabric.
type Router struct {
	store *memory.Store
	log   zerolog.Logger

	cacheMu   sync.Mutex
	cache     *lru.Cache[string, []*domain.Record]
	cacheHits int64
	cacheMiss int64

	inboxMu sync.Mutex
	inboxes map[string]chan Payload
}

// New wires a Router to the shared memory store.
func New(store *memory.Store, log zerolog.Logger) *Router {
	cache, _ := lru.New[string, []*domain.Record](cacheHighWatermark * 4) // generous ceiling; watermark logic below does the real eviction
	return &Router{
		store:   store,
		log:     logger.Component(log, "input_router"),
		cache:   cache,
		inboxes: make(map[string]chan Payload),
	}
}

// Retrieve answers "what do I know that is relevant to this situation"
// for agent, per §4.3's five-step contract.
func (r *Router) Retrieve(agent, queryType string, ctx Context) ([]*domain.Record, error) {
	key := cacheKey(agent, queryType, ctx)

	r.cacheMu.Lock()
	if cached, ok := r.cache.Get(key); ok {
		r.cacheHits++
		r.cacheMu.Unlock()
		return cached, nil
	}
	r.cacheMiss++
	r.cacheMu.Unlock()

	query := ctx.queryString(agent, queryType)
	results, err := r.store.Query(query, "", retrieveLimit)
	if err != nil {
		return nil, fmt.Errorf("router: retrieve query: %w", err)
	}

	filtered := r.filterAndRank(results, agent, queryType)

	r.cacheMu.Lock()
	r.cache.Add(key, filtered)
	if r.cache.Len() > cacheHighWatermark {
		r.evictDownTo(cacheLowWatermark)
	}
	r.cacheMu.Unlock()

	r.emitTransfer(agent, queryType, len(filtered))
	return filtered, nil
}

// filterAndRank keeps records whose source matches agent, or whose
// content_type overlaps queryType, or whose importance clears the
// floor; sorts by importance desc then recency desc; truncates to
// retrieveLimit.
func (r *Router) filterAndRank(results []memory.QueryResult, agent, queryType string) []*domain.Record {
	kept := make([]*domain.Record, 0, len(results))
	for _, res := range results {
		rec := res.Record
		if rec.Source() == agent || contentTypeOverlaps(rec.ContentType(), queryType) || rec.Importance() >= importanceFloor {
			kept = append(kept, rec)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Importance() != kept[j].Importance() {
			return kept[i].Importance() > kept[j].Importance()
		}
		return kept[i].CreatedAt.After(kept[j].CreatedAt)
	})

	if len(kept) > retrieveLimit {
		kept = kept[:retrieveLimit]
	}
	return kept
}

func contentTypeOverlaps(ct domain.ContentType, queryType string) bool {
	if queryType == "" {
		return false
	}
	s := string(ct)
	return strings.Contains(s, queryType) || strings.Contains(queryType, s)
}

// evictDownTo removes the least-recently-used entries until the cache
// holds at most n, per §4.3 step 5. Must be called with cacheMu held.
func (r *Router) evictDownTo(n int) {
	for r.cache.Len() > n {
		if _, _, ok := r.cache.RemoveOldest(); !ok {
			break
		}
	}
}

// emitTransfer records the agent_data_transfer memory §4.3 step 6 asks
// for. Failures are logged, not propagated: a missed bookkeeping
// record must never fail the retrieve() call that triggered it.
func (r *Router) emitTransfer(agent, queryType string, count int) {
	text := fmt.Sprintf("transferred %d memories to %s for query type %s", count, agent, queryType)
	_, err := r.store.Store(text, domain.ContentTypeAgentDataTransfer, "input_router", 0.2, domain.Metadata{
		"target_agent": agent,
		"query_type":   queryType,
		"memory_count": count,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("agent", agent).Msg("failed to record agent_data_transfer memory")
	}
}

// CacheStats reports the router's hit/miss counters, surfaced by the
// health summary.
func (r *Router) CacheStats() (hits, misses int64) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.cacheHits, r.cacheMiss
}

// RegisterInbox creates agent's inbox channel, replacing any existing
// one. Returns the receive side for the agent's process loop to range over.
func (r *Router) RegisterInbox(agent string) <-chan Payload {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	ch := make(chan Payload, inboxBufferSize)
	r.inboxes[agent] = ch
	return ch
}

// Send hands payload to agent's inbox. Success means queued, not
// delivered or processed (§4.3).
func (r *Router) Send(agent string, payload Payload) error {
	r.inboxMu.Lock()
	ch, ok := r.inboxes[agent]
	r.inboxMu.Unlock()
	if !ok {
		return fmt.Errorf("router: no inbox registered for agent %q", agent)
	}

	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("router: inbox for agent %q is full", agent)
	}
}
