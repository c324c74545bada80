// Package keyframe implements the concurrent covisibility graph at the heart
// of the SLAM backend: keyframes connected by weighted covisibility edges, a
// spanning tree used for pose-graph optimization and trajectory
// reconstruction, loop/merge edges, and soft deletion with spanning-tree
// repair. Keyframes and map points are owned by a Map arena and reference
// each other only by stable numeric id, resolved through the arena; the
// persisted format uses the same ids.
package keyframe

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
)

var (
	nextMapID      int64
	nextKeyFrameID int64
	nextMapPointID int64
)

// Map is the arena owning the keyframes and map points of one map instance.
// All cross-entity references inside the graph are ids resolved through it.
type Map struct {
	id     int64
	logger golog.Logger

	mu        sync.Mutex
	keyframes map[int64]*KeyFrame
	mappoints map[int64]*MapPoint
	originKF  int64
	imuInit   bool
}

// NewMap returns an empty map arena.
func NewMap(logger golog.Logger) *Map {
	return &Map{
		id:        atomic.AddInt64(&nextMapID, 1) - 1,
		logger:    logger,
		keyframes: map[int64]*KeyFrame{},
		mappoints: map[int64]*MapPoint{},
		originKF:  -1,
	}
}

// ID returns the map's stable numeric id.
func (m *Map) ID() int64 { return m.id }

// OriginKeyFrameID returns the id of the map's origin keyframe, the root of
// the spanning tree. It is the first keyframe ever added and can never be
// marked bad.
func (m *Map) OriginKeyFrameID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.originKF
}

// SetImuInitialized records that inertial initialization has completed.
func (m *Map) SetImuInitialized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imuInit = true
}

// IsImuInitialized reports whether inertial initialization has completed.
func (m *Map) IsImuInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imuInit
}

func (m *Map) addKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.originKF == -1 {
		m.originKF = kf.id
	}
	m.keyframes[kf.id] = kf
}

func (m *Map) addMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappoints[mp.id] = mp
}

// EraseKeyFrame removes a keyframe from the arena's enumeration. The
// keyframe record itself survives as a tombstone for as long as callers hold
// references.
func (m *Map) EraseKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyframes, kf.id)
}

// EraseMapPoint removes a map point from the arena's enumeration.
func (m *Map) EraseMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappoints, mp.id)
}

// KeyFrame resolves a keyframe id; the second return is false for unknown or
// erased ids.
func (m *Map) KeyFrame(id int64) (*KeyFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// MapPoint resolves a map point id.
func (m *Map) MapPoint(id int64) (*MapPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappoints[id]
	return mp, ok
}

// KeyFrames returns the active keyframes ordered by id.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// MapPoints returns the active map points ordered by id.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MapPoint, 0, len(m.mappoints))
	for _, mp := range m.mappoints {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// KeyFrameCount returns the number of active keyframes.
func (m *Map) KeyFrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keyframes)
}

// MapPointCount returns the number of active map points.
func (m *Map) MapPointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappoints)
}
