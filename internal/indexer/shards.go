package indexer

import (
	"hash/fnv"
	"sync"

	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
)

// shardPool serializes event application per offer id while allowing
// different offers to proceed concurrently. Events for the same key always
// land on the same worker, so a fill can never overtake the create it
// depends on.
type shardPool struct {
	shards []chan flow.Event
	wg     sync.WaitGroup
}

func newShardPool(n int, apply func(flow.Event)) *shardPool {
	if n < 1 {
		n = 1
	}
	p := &shardPool{shards: make([]chan flow.Event, n)}
	for i := range p.shards {
		ch := make(chan flow.Event, 64)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range ch {
				apply(ev)
			}
		}()
	}
	return p
}

// submit routes the event to its key's shard. Blocks when the shard is
// saturated; backpressure is preferable to reordering.
func (p *shardPool) submit(key string, ev flow.Event) {
	h := fnv.New32a()
	h.Write([]byte(key))
	p.shards[h.Sum32()%uint32(len(p.shards))] <- ev
}

// stop closes all shards and waits for in-flight events to finish.
func (p *shardPool) stop() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
