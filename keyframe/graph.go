package keyframe

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/so3"
)

// Two keyframes become covisibility neighbors when they share at least this
// many landmark observations.
const covisibilityThreshold = 15

// AddConnection records or raises the covisibility edge to other and
// refreshes the weight-ordered neighbor cache.
func (kf *KeyFrame) AddConnection(other *KeyFrame, weight int) {
	kf.connMu.Lock()
	w, ok := kf.connectedWeight[other.id]
	changed := !ok || w != weight
	if changed {
		kf.connectedWeight[other.id] = weight
	}
	kf.connMu.Unlock()

	if changed {
		kf.UpdateBestCovisibles()
	}
}

// EraseConnection drops the covisibility edge to other and refreshes the
// ordered cache.
func (kf *KeyFrame) EraseConnection(other *KeyFrame) {
	kf.connMu.Lock()
	_, ok := kf.connectedWeight[other.id]
	if ok {
		delete(kf.connectedWeight, other.id)
	}
	kf.connMu.Unlock()

	if ok {
		kf.UpdateBestCovisibles()
	}
}

// UpdateBestCovisibles rebuilds the neighbor cache ordered by descending
// weight, dropping neighbors that have been marked bad. The sort runs
// against a snapshot so neighbor state is read without holding this node's
// connections lock.
func (kf *KeyFrame) UpdateBestCovisibles() {
	kf.connMu.Lock()
	snapshot := make(map[int64]int, len(kf.connectedWeight))
	for id, w := range kf.connectedWeight {
		snapshot[id] = w
	}
	kf.connMu.Unlock()

	m := kf.GetMap()
	type pair struct {
		id int64
		w  int
	}
	pairs := make([]pair, 0, len(snapshot))
	for id, w := range snapshot {
		other, ok := m.KeyFrame(id)
		if !ok || other.IsBad() {
			continue
		}
		pairs = append(pairs, pair{id: id, w: w})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].w != pairs[j].w {
			return pairs[i].w > pairs[j].w
		}
		return pairs[i].id < pairs[j].id
	})

	kfs := make([]int64, len(pairs))
	weights := make([]int, len(pairs))
	for i, p := range pairs {
		kfs[i] = p.id
		weights[i] = p.w
	}

	kf.connMu.Lock()
	kf.orderedKFs = kfs
	kf.orderedWeights = weights
	kf.connMu.Unlock()
}

// GetConnectedKeyFrames returns the covisibility neighbors in no particular
// order.
func (kf *KeyFrame) GetConnectedKeyFrames() []*KeyFrame {
	kf.connMu.Lock()
	ids := make([]int64, 0, len(kf.connectedWeight))
	for id := range kf.connectedWeight {
		ids = append(ids, id)
	}
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// GetVectorCovisibleKeyFrames returns all covisibility neighbors ordered by
// descending weight.
func (kf *KeyFrame) GetVectorCovisibleKeyFrames() []*KeyFrame {
	kf.connMu.Lock()
	ids := make([]int64, len(kf.orderedKFs))
	copy(ids, kf.orderedKFs)
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// GetBestCovisibilityKeyFrames returns up to n covisibility neighbors
// ordered by descending weight.
func (kf *KeyFrame) GetBestCovisibilityKeyFrames(n int) []*KeyFrame {
	kf.connMu.Lock()
	if n > len(kf.orderedKFs) {
		n = len(kf.orderedKFs)
	}
	ids := make([]int64, n)
	copy(ids, kf.orderedKFs[:n])
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// GetCovisiblesByWeight returns the neighbors connected with weight >= w.
func (kf *KeyFrame) GetCovisiblesByWeight(w int) []*KeyFrame {
	kf.connMu.Lock()
	n := sort.Search(len(kf.orderedWeights), func(i int) bool {
		return kf.orderedWeights[i] < w
	})
	ids := make([]int64, n)
	copy(ids, kf.orderedKFs[:n])
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// GetWeight returns the covisibility weight to other, zero when not
// connected.
func (kf *KeyFrame) GetWeight(other *KeyFrame) int {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.connectedWeight[other.id]
}

func (kf *KeyFrame) resolve(ids []int64) []*KeyFrame {
	m := kf.GetMap()
	out := make([]*KeyFrame, 0, len(ids))
	for _, id := range ids {
		if other, ok := m.KeyFrame(id); ok {
			out = append(out, other)
		}
	}
	return out
}

// UpdateConnections recounts shared landmark observations against every
// other keyframe, installs mutual edges for counts at or above the
// covisibility threshold (falling back to the single best counterpart when
// none qualifies), and on the node's first update adopts the top neighbor as
// its spanning-tree parent. Counting runs against snapshots; the result is
// committed under the connections lock.
func (kf *KeyFrame) UpdateConnections() {
	kf.featMu.Lock()
	obs := make([]int64, len(kf.observations))
	copy(obs, kf.observations)
	kf.featMu.Unlock()

	m := kf.GetMap()
	counter := map[int64]int{}
	for _, mpID := range obs {
		if mpID == -1 {
			continue
		}
		mp, ok := m.MapPoint(mpID)
		if !ok || mp.IsBad() {
			continue
		}
		for otherID := range mp.Observations() {
			if otherID == kf.id {
				continue
			}
			other, ok := m.KeyFrame(otherID)
			if !ok || other.IsBad() || other.GetMap() != m {
				continue
			}
			counter[otherID]++
		}
	}
	if len(counter) == 0 {
		return
	}

	var (
		maxW  int
		maxID int64 = -1
	)
	connected := map[int64]int{}
	for id, w := range counter {
		if w > maxW || (w == maxW && id < maxID) {
			maxW = w
			maxID = id
		}
		if w >= covisibilityThreshold {
			connected[id] = w
			if other, ok := m.KeyFrame(id); ok {
				other.AddConnection(kf, w)
			}
		}
	}
	if len(connected) == 0 {
		connected[maxID] = maxW
		if other, ok := m.KeyFrame(maxID); ok {
			other.AddConnection(kf, maxW)
		}
	}

	type pair struct {
		id int64
		w  int
	}
	pairs := make([]pair, 0, len(connected))
	for id, w := range connected {
		pairs = append(pairs, pair{id: id, w: w})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].w != pairs[j].w {
			return pairs[i].w > pairs[j].w
		}
		return pairs[i].id < pairs[j].id
	})
	kfs := make([]int64, len(pairs))
	weights := make([]int, len(pairs))
	for i, p := range pairs {
		kfs[i] = p.id
		weights[i] = p.w
	}

	origin := m.OriginKeyFrameID()

	var newParent int64 = -1
	kf.connMu.Lock()
	// The full counter is kept, sub-threshold co-observers included; only
	// the ordered cache is restricted to the thresholded set.
	kf.connectedWeight = counter
	kf.orderedKFs = kfs
	kf.orderedWeights = weights
	if kf.firstConnection && kf.id != origin {
		kf.parent = kfs[0]
		kf.firstConnection = false
		newParent = kf.parent
	}
	kf.connMu.Unlock()

	if newParent != -1 {
		if parent, ok := m.KeyFrame(newParent); ok {
			parent.AddChild(kf)
		}
	}
}

// AddChild registers a spanning-tree child.
func (kf *KeyFrame) AddChild(child *KeyFrame) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.children[child.id] = struct{}{}
}

// EraseChild removes a spanning-tree child.
func (kf *KeyFrame) EraseChild(child *KeyFrame) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	delete(kf.children, child.id)
}

// ChangeParent reparents this node in the spanning tree; parenting a node to
// itself corrupts the tree and is rejected.
func (kf *KeyFrame) ChangeParent(parent *KeyFrame) error {
	kf.connMu.Lock()
	if parent.id == kf.id {
		kf.connMu.Unlock()
		return errors.Errorf("keyframe %d cannot become its own parent", kf.id)
	}
	kf.parent = parent.id
	kf.connMu.Unlock()

	parent.AddChild(kf)
	return nil
}

// GetChilds returns the node's spanning-tree children.
func (kf *KeyFrame) GetChilds() []*KeyFrame {
	kf.connMu.Lock()
	ids := make([]int64, 0, len(kf.children))
	for id := range kf.children {
		ids = append(ids, id)
	}
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// GetParent resolves the spanning-tree parent, or nil for the root.
func (kf *KeyFrame) GetParent() *KeyFrame {
	kf.connMu.Lock()
	id := kf.parent
	kf.connMu.Unlock()
	if id == -1 {
		return nil
	}
	parent, _ := kf.GetMap().KeyFrame(id)
	return parent
}

// HasChild reports whether other is a spanning-tree child of this node.
func (kf *KeyFrame) HasChild(other *KeyFrame) bool {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	_, ok := kf.children[other.id]
	return ok
}

// SetFirstConnection overrides whether the next UpdateConnections may adopt
// a parent. Used when rebuilding a graph from persisted state.
func (kf *KeyFrame) SetFirstConnection(first bool) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.firstConnection = first
}

// AddLoopEdge records a loop-closure edge and pins the node against erasure.
func (kf *KeyFrame) AddLoopEdge(other *KeyFrame) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.notErase = true
	kf.loopEdges[other.id] = struct{}{}
}

// GetLoopEdges returns the node's loop-closure edges.
func (kf *KeyFrame) GetLoopEdges() []*KeyFrame {
	kf.connMu.Lock()
	ids := make([]int64, 0, len(kf.loopEdges))
	for id := range kf.loopEdges {
		ids = append(ids, id)
	}
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// AddMergeEdge records a map-merge edge and pins the node against erasure.
func (kf *KeyFrame) AddMergeEdge(other *KeyFrame) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.notErase = true
	kf.mergeEdges[other.id] = struct{}{}
}

// GetMergeEdges returns the node's map-merge edges.
func (kf *KeyFrame) GetMergeEdges() []*KeyFrame {
	kf.connMu.Lock()
	ids := make([]int64, 0, len(kf.mergeEdges))
	for id := range kf.mergeEdges {
		ids = append(ids, id)
	}
	kf.connMu.Unlock()
	return kf.resolve(ids)
}

// SetNotErase pins the node so a SetBadFlag during loop closing is deferred.
func (kf *KeyFrame) SetNotErase() {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.notErase = true
}

// SetErase unpins the node unless loop edges keep it pinned, and performs a
// deferred erasure if one was requested while pinned.
func (kf *KeyFrame) SetErase() {
	kf.connMu.Lock()
	if len(kf.loopEdges) == 0 {
		kf.notErase = false
	}
	erase := kf.toBeErased
	kf.connMu.Unlock()

	if erase {
		kf.SetBadFlag()
	}
}

// IsBad reports whether the node has been erased from the graph.
func (kf *KeyFrame) IsBad() bool {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.bad
}

// SetBadFlag erases the node: covisibility edges are retracted on both
// sides, landmark observations are dropped, the node's children are
// reattached greedily to covisible spanning-tree ancestors (falling back to
// the erased node's own parent), and the node leaves the map, caching its
// pose relative to the parent for trajectory reconstruction. The map origin
// can never be erased; a pinned node defers erasure until SetErase.
func (kf *KeyFrame) SetBadFlag() {
	m := kf.GetMap()
	origin := m.OriginKeyFrameID()

	kf.connMu.Lock()
	if kf.bad || kf.id == origin {
		kf.connMu.Unlock()
		return
	}
	if kf.notErase {
		kf.toBeErased = true
		kf.connMu.Unlock()
		return
	}
	neighborIDs := make([]int64, 0, len(kf.connectedWeight))
	for id := range kf.connectedWeight {
		neighborIDs = append(neighborIDs, id)
	}
	kf.connMu.Unlock()

	for _, id := range neighborIDs {
		if other, ok := m.KeyFrame(id); ok {
			other.EraseConnection(kf)
		}
	}
	for _, mp := range kf.GetMapPointMatches() {
		if mp != nil {
			mp.EraseObservation(kf)
		}
	}

	kf.featMu.Lock()
	for i := range kf.observations {
		kf.observations[i] = -1
	}
	kf.featMu.Unlock()

	kf.connMu.Lock()
	kf.connectedWeight = map[int64]int{}
	kf.orderedKFs = nil
	kf.orderedWeights = nil
	oldParentID := kf.parent
	children := make(map[int64]struct{}, len(kf.children))
	for id := range kf.children {
		children[id] = struct{}{}
	}
	kf.children = map[int64]struct{}{}
	kf.bad = true
	kf.connMu.Unlock()

	kf.repairSpanningTree(m, oldParentID, children)

	oldParent, hasParent := m.KeyFrame(oldParentID)
	if hasParent {
		oldParent.EraseChild(kf)
		prcw, ptwc := oldParent.GetPoseInverse()

		kf.poseMu.Lock()
		rcp := mat.NewDense(3, 3, nil)
		rcp.Mul(kf.rcw, prcw)
		kf.rcp = rcp
		kf.tcp = so3.Apply(kf.rcw, ptwc).Add(kf.tcw)
		kf.poseMu.Unlock()
	}

	m.EraseKeyFrame(kf)
}

// repairSpanningTree reattaches the erased node's children. Candidate
// parents start as the erased node's own parent; each iteration attaches the
// child with the strongest covisibility edge into the candidate set and
// promotes it to a candidate, so siblings can become ancestors. Children
// with no covisible candidate fall back to the erased node's parent.
func (kf *KeyFrame) repairSpanningTree(m *Map, oldParentID int64, children map[int64]struct{}) {
	candidates := map[int64]struct{}{}
	if oldParentID != -1 {
		candidates[oldParentID] = struct{}{}
	}

	for len(children) > 0 {
		var (
			bestW      = -1
			bestChild  *KeyFrame
			bestParent int64 = -1
		)
		for childID := range children {
			child, ok := m.KeyFrame(childID)
			if !ok || child.IsBad() {
				delete(children, childID)
				continue
			}
			for _, connected := range child.GetVectorCovisibleKeyFrames() {
				if _, ok := candidates[connected.id]; !ok {
					continue
				}
				if w := child.GetWeight(connected); w > bestW {
					bestW = w
					bestChild = child
					bestParent = connected.id
				}
			}
		}
		if bestChild == nil {
			break
		}
		if parent, ok := m.KeyFrame(bestParent); ok {
			if err := bestChild.ChangeParent(parent); err != nil {
				m.logger.Errorw("spanning tree repair failed", "error", err)
			}
		}
		candidates[bestChild.id] = struct{}{}
		delete(children, bestChild.id)
	}

	if oldParentID == -1 {
		return
	}
	oldParent, ok := m.KeyFrame(oldParentID)
	if !ok {
		return
	}
	for childID := range children {
		if child, resolved := m.KeyFrame(childID); resolved {
			if err := child.ChangeParent(oldParent); err != nil {
				m.logger.Errorw("spanning tree repair failed", "error", err)
			}
		}
	}
}
