package keyframe

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
)

// Indexes records where a map point is observed inside one keyframe: the
// left-image keypoint slot and, for cameras with a physically separate right
// image, the right slot. -1 means no observation on that side.
type Indexes struct {
	Left  int
	Right int
}

// MapPoint is a 3D landmark observed by one or more keyframes. Observations
// are keyed by keyframe id and resolved through the owning Map.
type MapPoint struct {
	id int64
	m  *Map

	mu       sync.Mutex
	worldPos r3.Vector
	obs      map[int64]Indexes
	nObs     int
	bad      bool
}

// NewMapPoint creates a landmark at pos and registers it with the map.
func NewMapPoint(pos r3.Vector, m *Map) *MapPoint {
	mp := &MapPoint{
		id:       atomic.AddInt64(&nextMapPointID, 1) - 1,
		m:        m,
		worldPos: pos,
		obs:      map[int64]Indexes{},
	}
	m.addMapPoint(mp)
	return mp
}

// ID returns the landmark's stable numeric id.
func (mp *MapPoint) ID() int64 { return mp.id }

// GetWorldPos returns the landmark position in world coordinates.
func (mp *MapPoint) GetWorldPos() r3.Vector {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.worldPos
}

// SetWorldPos moves the landmark.
func (mp *MapPoint) SetWorldPos(pos r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.worldPos = pos
}

// IsBad reports whether the landmark has been culled.
func (mp *MapPoint) IsBad() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.bad
}

// AddObservation records that keyframe kf sees this landmark at keypoint
// slot idx. Slots at or beyond the keyframe's left keypoint count address the
// right image of a two-camera rig.
func (mp *MapPoint) AddObservation(kf *KeyFrame, idx int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	in, ok := mp.obs[kf.id]
	if !ok {
		in = Indexes{Left: -1, Right: -1}
	}
	if kf.numLeft != -1 && idx >= kf.numLeft {
		in.Right = idx
	} else {
		in.Left = idx
	}
	mp.obs[kf.id] = in
	if kf.stereoAt(idx) {
		mp.nObs += 2
	} else {
		mp.nObs++
	}
}

// EraseObservation removes keyframe kf's observation of this landmark. A
// landmark left with fewer than three observation counts is culled.
func (mp *MapPoint) EraseObservation(kf *KeyFrame) {
	var cull bool
	mp.mu.Lock()
	if in, ok := mp.obs[kf.id]; ok {
		if in.Left != -1 {
			if kf.stereoAt(in.Left) {
				mp.nObs -= 2
			} else {
				mp.nObs--
			}
		}
		if in.Right != -1 {
			mp.nObs--
		}
		delete(mp.obs, kf.id)
		if mp.nObs <= 2 {
			mp.bad = true
			cull = true
		}
	}
	mp.mu.Unlock()
	if cull {
		mp.SetBadFlag()
	}
}

// SetBadFlag culls the landmark: every observing keyframe drops its match
// and the landmark leaves the map's enumeration.
func (mp *MapPoint) SetBadFlag() {
	mp.mu.Lock()
	mp.bad = true
	obs := mp.obs
	mp.obs = map[int64]Indexes{}
	mp.mu.Unlock()

	for kfID, in := range obs {
		kf, ok := mp.m.KeyFrame(kfID)
		if !ok {
			continue
		}
		if in.Left != -1 {
			kf.EraseMapPointMatchAt(in.Left)
		}
		if in.Right != -1 {
			kf.EraseMapPointMatchAt(in.Right)
		}
	}
	mp.m.EraseMapPoint(mp)
}

// Observations returns a copy of the observation table keyed by keyframe id.
func (mp *MapPoint) Observations() map[int64]Indexes {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make(map[int64]Indexes, len(mp.obs))
	for k, v := range mp.obs {
		out[k] = v
	}
	return out
}

// ObservationCount returns the weighted observation count; a stereo
// observation counts twice.
func (mp *MapPoint) ObservationCount() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.nObs
}

// GetIndexInKeyFrame returns the keypoint slots where kf observes this
// landmark, or (-1, -1) when it does not.
func (mp *MapPoint) GetIndexInKeyFrame(kf *KeyFrame) Indexes {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if in, ok := mp.obs[kf.id]; ok {
		return in
	}
	return Indexes{Left: -1, Right: -1}
}

// IsInKeyFrame reports whether kf observes this landmark.
func (mp *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	_, ok := mp.obs[kf.id]
	return ok
}
