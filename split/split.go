// Package split partitions weighted sequences into blocks for parallel
// dispatch.
package split

import (
	"sort"
)

// WeightFunc extracts the cost estimate of an item. The default gives every
// item weight 1.
type WeightFunc func(item any) float64

// KeyFunc partitions items by kind so that no block mixes kinds. The default
// puts everything under one key.
type KeyFunc func(item any) string

// DefaultWeight assigns weight 1 to every item.
func DefaultWeight(any) float64 { return 1 }

// DefaultKey puts every item in the same partition.
func DefaultKey(any) string { return "Unspecified" }

// Block is a group of items with their cumulative weight. Both fields are
// exported so blocks survive serialization between dispatcher and workers.
type Block struct {
	Items     []any
	TotWeight float64
}

// Weight returns the cumulative weight of the block.
func (b *Block) Weight() float64 { return b.TotWeight }

// TaskWeight makes a block usable as the weighted first argument of a task.
func (b *Block) TaskWeight() float64 { return b.TotWeight }

// Len returns the number of items in the block.
func (b *Block) Len() int { return len(b.Items) }

func (b *Block) add(item any, w float64) {
	b.Items = append(b.Items, item)
	b.TotWeight += w
}

// SplitInBlocks partitions seq into at most n blocks of nearly homogeneous
// weight. Items are grouped by key first; blocks never mix keys, so with
// more distinct keys than n there is one block per key instead. Eager and
// deterministic given input order and weights.
func SplitInBlocks(seq []any, n int, weight WeightFunc, key KeyFunc) []*Block {
	if n < 1 {
		n = 1
	}
	if weight == nil {
		weight = DefaultWeight
	}
	if key == nil {
		key = DefaultKey
	}
	groups, order := groupByKey(seq, key)
	var total float64
	for _, items := range groups {
		for _, it := range items {
			total += weight(it)
		}
	}
	if total == 0 {
		total = float64(len(seq))
		weight = DefaultWeight
	}
	// allocate a share of the n blocks to every key, one at least;
	// blocks never mix keys, so with more keys than n the key count wins
	var out []*Block
	remaining := n
	for i, k := range order {
		items := groups[k]
		var w float64
		for _, it := range items {
			w += weight(it)
		}
		m := int(float64(n) * w / total)
		if m < 1 {
			m = 1
		}
		if left := len(order) - i - 1; m > remaining-left {
			m = remaining - left
		}
		if m < 1 {
			m = 1
		}
		remaining -= m
		out = append(out, packCount(items, m, w, weight)...)
	}
	return out
}

// packCount splits items into at most m blocks of nearly equal weight,
// closing a block once it crosses the even share.
func packCount(items []any, m int, total float64, weight WeightFunc) []*Block {
	if m > len(items) {
		m = len(items)
	}
	if m < 1 {
		m = 1
	}
	target := total / float64(m)
	var out []*Block
	cur := &Block{}
	for _, it := range items {
		cur.add(it, weight(it))
		if cur.TotWeight >= target && len(out) < m-1 {
			out = append(out, cur)
			cur = &Block{}
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur)
	}
	return out
}

// BlockSplitter produces blocks whose total weight does not exceed maxweight,
// except when a single item alone is heavier. Lazy: blocks are delivered
// through the returned channel in input order. When sorted is true, items are
// packed in descending weight order.
func BlockSplitter(seq []any, maxweight float64, weight WeightFunc, key KeyFunc, sorted bool) <-chan *Block {
	if weight == nil {
		weight = DefaultWeight
	}
	if key == nil {
		key = DefaultKey
	}
	ch := make(chan *Block)
	go func() {
		defer close(ch)
		if maxweight <= 0 {
			return
		}
		items := seq
		if sorted {
			items = append([]any(nil), seq...)
			sort.SliceStable(items, func(i, j int) bool {
				return weight(items[i]) > weight(items[j])
			})
		}
		var cur *Block
		curKey := ""
		for _, it := range items {
			w := weight(it)
			k := key(it)
			if cur != nil && (k != curKey || cur.TotWeight+w > maxweight) {
				ch <- cur
				cur = nil
			}
			if cur == nil {
				cur = &Block{}
				curKey = k
			}
			cur.add(it, w)
		}
		if cur != nil && cur.Len() > 0 {
			ch <- cur
		}
	}()
	return ch
}

func groupByKey(seq []any, key KeyFunc) (map[string][]any, []string) {
	groups := map[string][]any{}
	var order []string
	for _, it := range seq {
		k := key(it)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}
	return groups, order
}
