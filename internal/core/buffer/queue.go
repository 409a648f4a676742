package buffer

import (
	"time"

	"swarmplayer/internal/core/domain"
)

// QueueSegmentForAppend enqueues seg's bytes for the serial append
// processor, implementing I1/I6: items are kept sorted by priority desc,
// then enqueue time asc.
func (c *Controller) QueueSegmentForAppend(seg domain.SegmentDescriptor, bytes []byte, priority int, forSeek bool) {
	c.mu.Lock()
	c.queue.Pending = append(c.queue.Pending, domain.AppendRequest{
		Segment:    seg,
		Bytes:      bytes,
		Priority:   priority,
		ForSeek:    forSeek,
		EnqueuedAt: time.Now(),
	})
	sortQueue(c.queue.Pending)
	key := domain.SegmentKey(c.stream, seg.Quality, seg.SegmentID)
	delete(c.fetchingSegments, key)
	c.mu.Unlock()

	go c.processAppendQueue()
}

// processAppendQueue is the serial processor loop from spec §4.8. It runs
// synchronously to completion for whatever is ready; later enqueues
// retrigger it via QueueSegmentForAppend.
func (c *Controller) processAppendQueue() {
	for {
		c.mu.Lock()
		if c.queue.Appending {
			c.mu.Unlock()
			return
		}
		idx, item, ok := c.pickNextLocked()
		if !ok {
			c.mu.Unlock()
			return
		}
		c.queue.Pending = append(c.queue.Pending[:idx], c.queue.Pending[idx+1:]...)
		c.queue.Appending = true
		c.mu.Unlock()

		err := c.sink.AppendMedia(item.Bytes)

		c.mu.Lock()
		c.queue.Appending = false
		if err != nil {
			c.mu.Unlock()
			c.events.Emit("error", Event{Name: "error", Segment: item.Segment})
			return
		}
		key := domain.AppendedKey(item.Segment.Quality, item.Segment.SegmentID)
		c.queue.Appended[key] = struct{}{}
		c.queue.NextExpectedIndex = item.Segment.Index + 1
		c.mu.Unlock()

		c.events.Emit("segmentAppended", Event{Name: "segmentAppended", Segment: item.Segment})
		time.Sleep(10 * time.Millisecond)
	}
}

// pickNextLocked selects the next item to append per spec §4.8 steps 2-4.
// Caller holds c.mu.
func (c *Controller) pickNextLocked() (int, domain.AppendRequest, bool) {
	if len(c.queue.Pending) == 0 {
		return 0, domain.AppendRequest{}, false
	}

	for i, item := range c.queue.Pending {
		if c.seeking && item.ForSeek {
			c.queue.NextExpectedIndex = item.Segment.Index
			return i, item, true
		}
		if item.Segment.Index == c.queue.NextExpectedIndex {
			return i, item, true
		}
	}

	if len(c.queue.Appended) == 0 {
		lowestIdx := 0
		for i := range c.queue.Pending {
			if c.queue.Pending[i].Segment.Index < c.queue.Pending[lowestIdx].Segment.Index {
				lowestIdx = i
			}
		}
		c.queue.NextExpectedIndex = c.queue.Pending[lowestIdx].Segment.Index
		return lowestIdx, c.queue.Pending[lowestIdx], true
	}

	return 0, domain.AppendRequest{}, false
}
