package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/denpacast/smoothcast/internal/playlist"
	"github.com/denpacast/smoothcast/internal/source"
)

// update implements §4.4's seven-step algorithm. It must only be called from
// the command-loop goroutine (loop.go); every public entry point and every
// source-end trigger reaches it through do/post, never directly.
func (c *Controller) update() error {
	// 1. Cancel any pending duration timer — it was set for the outgoing
	// current item.
	if cur := c.slots[slotCurrent]; cur != nil && cur.durationTimer != nil {
		cur.durationTimer.Stop()
		cur.durationTimer = nil
	}

	// 2. Advance sourceIndex. If past the end, signal exhaustion and leave
	// sourceIndex parked at the last valid position so a later Switch() is a
	// no-op that simply redelivers the same event.
	c.sourceIndex++
	if c.sourceIndex >= len(c.items) {
		c.emitEvent(Event{Kind: EventPlaylistExhausted, Index: c.sourceIndex})
		c.sourceIndex--
		return nil
	}

	// 3. Shift prev <- current. Whatever previously occupied prev has now had
	// a full cycle to drain through the switcher's crossfade; release it.
	// The item being demoted from current into prev is not closed here — it
	// is released on the cycle after, matching the preserved limitation of
	// §9 that the manual-switch path does not promptly close the outgoing
	// current node.
	if old := c.slots[slotPrev]; old != nil && old.closeNode != nil {
		old.closeNode()
	}
	c.slots[slotPrev] = c.slots[slotCurrent]
	c.slots[slotCurrent] = nil

	if next := c.slots[slotNext]; next != nil {
		// 4. next was prewarmed: promote it directly, no new node creation.
		c.slots[slotNext] = nil
		c.slots[slotCurrent] = next
		c.refreshActive()
	} else {
		// 5. Synchronously create a node for the new current item.
		item := c.items[c.sourceIndex]
		info, err := c.factory.Create(item, c.sourceIndex,
			c.subscribeToNode(c.sourceIndex, slotCurrent), c.triggerUpdate, c.onStreamsForIndex(c.sourceIndex))
		if err != nil {
			sentinel := ErrFactory
			var cfgErr *source.ConfigError
			if errors.As(err, &cfgErr) {
				sentinel = ErrConfig
			}
			wrapped := fmt.Errorf("%w: item %d: %v", sentinel, c.sourceIndex, err)
			c.emitEvent(Event{Kind: EventFactoryError, Index: c.sourceIndex, Err: wrapped})
			return wrapped
		}
		if cur := c.slots[slotCurrent]; cur != nil {
			cur.duration = info.Duration
			cur.closeNode = info.CloseNode
		}
	}

	// 6. Schedule the duration-based advance, if current's duration resolves
	// to a known finite value. Applies identically whether current was just
	// created or promoted from a prewarmed next (§4.3's expansion). The future
	// is waited on off the command loop, so a duration that is still pending
	// (or never resolves) does not stall the loop; the timer is armed once
	// the value arrives, provided the same item is still current.
	if cur := c.slots[slotCurrent]; cur != nil && cur.duration != nil {
		idx, df := cur.index, cur.duration
		go func() {
			ms := df.Wait()
			if ms == nil {
				return
			}
			c.post(func() {
				cur := c.slots[slotCurrent]
				if cur == nil || cur.index != idx {
					return
				}
				d := time.Duration(*ms)*time.Millisecond - c.transitionDuration
				if d < 0 {
					d = 0
				}
				closeFn := cur.closeNode
				cur.durationTimer = time.AfterFunc(d, func() {
					c.post(func() {
						if live := c.slots[slotCurrent]; live == nil || live.index != idx {
							return
						}
						if err := c.update(); err != nil {
							c.logger.Warn("update failed after duration timer expiry", "index", idx, "error", err)
						}
					})
					if closeFn != nil {
						time.AfterFunc(closeGraceDelay, closeFn)
					}
				})
			})
		}()
	}

	// 7. Peek the next item; if live, prewarm it.
	if peekIdx := c.sourceIndex + 1; peekIdx < len(c.items) {
		peek := c.items[peekIdx]
		if peek.Source.Liveness() == playlist.LivenessLive {
			info, err := c.factory.Create(peek, peekIdx,
				c.subscribeToNode(peekIdx, slotNext), c.triggerUpdate, c.onStreamsForIndex(peekIdx))
			if err != nil {
				c.logger.Warn("prewarm failed", "index", peekIdx, "error", err)
			} else if nxt := c.slots[slotNext]; nxt != nil {
				nxt.duration = info.Duration
				nxt.closeNode = info.CloseNode
			}
		}
	}

	return nil
}
