package keyframe

import (
	"sort"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"github.com/vislam-robotics/vislam/camera"
	"github.com/vislam-robotics/vislam/imu"
	"github.com/vislam-robotics/vislam/so3"
)

// Record is the serializable form of a keyframe. Rotations are stored as
// unit quaternions [w, x, y, z]; every cross-entity reference is a numeric
// id, with -1 standing for "none".
type Record struct {
	ID          int64   `json:"id"`
	FrameID     int64   `json:"frame_id"`
	Timestamp   float64 `json:"timestamp"`
	OriginMapID int64   `json:"origin_map_id"`

	PoseRotation    [4]float64 `json:"pose_rotation"`
	PoseTranslation [3]float64 `json:"pose_translation"`
	Velocity        [3]float64 `json:"velocity"`
	HasVelocity     bool       `json:"has_velocity"`
	GyroBias        [3]float64 `json:"gyro_bias"`
	AccBias         [3]float64 `json:"acc_bias"`

	HasImuCalib      bool       `json:"has_imu_calib"`
	CalibRotation    [4]float64 `json:"calib_rotation"`
	CalibTranslation [3]float64 `json:"calib_translation"`
	HasRig           bool       `json:"has_rig"`
	RigRotation      [4]float64 `json:"rig_rotation"`
	RigTranslation   [3]float64 `json:"rig_translation"`

	Fx             float64 `json:"fx"`
	Fy             float64 `json:"fy"`
	Cx             float64 `json:"cx"`
	Cy             float64 `json:"cy"`
	Bf             float64 `json:"bf"`
	Baseline       float64 `json:"baseline"`
	DepthThreshold float64 `json:"depth_threshold"`

	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`

	KeyPoints   []KeyPoint `json:"key_points"`
	NumLeft     int        `json:"num_left"`
	RightU      []float64  `json:"right_u"`
	Depth       []float64  `json:"depth"`
	Descriptors [][]byte   `json:"descriptors"`

	MapPointIDs      []int64 `json:"map_point_ids"`
	ConnectedIDs     []int64 `json:"connected_ids"`
	ConnectedWeights []int   `json:"connected_weights"`
	ParentID         int64   `json:"parent_id"`
	ChildIDs         []int64 `json:"child_ids"`
	LoopEdgeIDs      []int64 `json:"loop_edge_ids"`
	MergeEdgeIDs     []int64 `json:"merge_edge_ids"`
	PrevID           int64   `json:"prev_id"`
	NextID           int64   `json:"next_id"`
	FirstConnection  bool    `json:"first_connection"`

	CameraIDs []int64 `json:"camera_ids"`
}

func quatSlot(q quat.Number) [4]float64 {
	return [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}

func quatOf(s [4]float64) quat.Number {
	return quat.Number{Real: s[0], Imag: s[1], Jmag: s[2], Kmag: s[3]}
}

func vecSlot(v r3.Vector) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func vecOf(s [3]float64) r3.Vector { return r3.Vector{X: s[0], Y: s[1], Z: s[2]} }

func filterID(id int64, valid map[int64]struct{}) int64 {
	if _, ok := valid[id]; ok {
		return id
	}
	return -1
}

func filterSet(ids map[int64]struct{}, valid map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		if _, ok := valid[id]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PreSave captures the keyframe into a Record. References to keyframes and
// map points outside the given valid sets are dropped, so a consistent
// subgraph can be persisted while culling is in flight.
func (kf *KeyFrame) PreSave(validKFs, validMPs map[int64]struct{}) *Record {
	rec := &Record{
		ID:             kf.id,
		FrameID:        kf.frameID,
		Timestamp:      kf.timestamp,
		OriginMapID:    kf.originMap,
		HasImuCalib:    kf.imuCalibSet,
		Fx:             kf.fx,
		Fy:             kf.fy,
		Cx:             kf.cx,
		Cy:             kf.cy,
		Bf:             kf.bf,
		Baseline:       kf.baseline,
		DepthThreshold: kf.thDepth,
		MinX:           kf.minX,
		MinY:           kf.minY,
		MaxX:           kf.maxX,
		MaxY:           kf.maxY,
		KeyPoints:      kf.keys,
		NumLeft:        kf.numLeft,
		RightU:         kf.rightU,
		Depth:          kf.depth,
		Descriptors:    kf.descriptors,
	}
	if kf.imuCalibSet {
		rec.CalibRotation = quatSlot(so3.Quat(kf.rcb))
		rec.CalibTranslation = vecSlot(kf.tcb)
	}
	if kf.rrl != nil {
		rec.HasRig = true
		rec.RigRotation = quatSlot(so3.Quat(kf.rrl))
		rec.RigTranslation = vecSlot(kf.trl)
	}
	for _, cam := range kf.cameras {
		rec.CameraIDs = append(rec.CameraIDs, cam.ID())
	}

	kf.poseMu.Lock()
	rec.PoseRotation = quatSlot(so3.Quat(kf.rcw))
	rec.PoseTranslation = vecSlot(kf.tcw)
	rec.Velocity = vecSlot(kf.velocity)
	rec.HasVelocity = kf.hasVelocity
	rec.GyroBias = vecSlot(kf.bias.Gyro)
	rec.AccBias = vecSlot(kf.bias.Acc)
	rec.PrevID = filterID(kf.prevKF, validKFs)
	rec.NextID = filterID(kf.nextKF, validKFs)
	kf.poseMu.Unlock()

	kf.featMu.Lock()
	rec.MapPointIDs = make([]int64, len(kf.observations))
	for i, id := range kf.observations {
		rec.MapPointIDs[i] = filterID(id, validMPs)
	}
	kf.featMu.Unlock()

	kf.connMu.Lock()
	ids := make([]int64, 0, len(kf.connectedWeight))
	for id := range kf.connectedWeight {
		if _, ok := validKFs[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rec.ConnectedIDs = ids
	rec.ConnectedWeights = make([]int, len(ids))
	for i, id := range ids {
		rec.ConnectedWeights[i] = kf.connectedWeight[id]
	}
	rec.ParentID = filterID(kf.parent, validKFs)
	rec.ChildIDs = filterSet(kf.children, validKFs)
	rec.LoopEdgeIDs = filterSet(kf.loopEdges, validKFs)
	rec.MergeEdgeIDs = filterSet(kf.mergeEdges, validKFs)
	rec.FirstConnection = kf.firstConnection
	kf.connMu.Unlock()

	return rec
}

func reserveKeyFrameID(id int64) {
	for {
		cur := atomic.LoadInt64(&nextKeyFrameID)
		if id < cur || atomic.CompareAndSwapInt64(&nextKeyFrameID, cur, id+1) {
			return
		}
	}
}

// NewKeyFrameFromRecord rebuilds a keyframe from its Record and registers it
// with the map under its original id. Cross-entity references stay as raw
// ids until PostLoad resolves them; the keyframe must not be queried before
// then.
func NewKeyFrameFromRecord(rec *Record, m *Map) *KeyFrame {
	reserveKeyFrameID(rec.ID)
	kf := &KeyFrame{
		id:        rec.ID,
		frameID:   rec.FrameID,
		timestamp: rec.Timestamp,
		originMap: rec.OriginMapID,

		fx:          rec.Fx,
		fy:          rec.Fy,
		cx:          rec.Cx,
		cy:          rec.Cy,
		invfx:       1 / rec.Fx,
		invfy:       1 / rec.Fy,
		bf:          rec.Bf,
		baseline:    rec.Baseline,
		thDepth:     rec.DepthThreshold,
		minX:        rec.MinX,
		minY:        rec.MinY,
		maxX:        rec.MaxX,
		maxY:        rec.MaxY,
		keys:        rec.KeyPoints,
		numLeft:     rec.NumLeft,
		rightU:      rec.RightU,
		depth:       rec.Depth,
		descriptors: rec.Descriptors,

		prevKF:          rec.PrevID,
		nextKF:          rec.NextID,
		observations:    append([]int64(nil), rec.MapPointIDs...),
		connectedWeight: map[int64]int{},
		firstConnection: rec.FirstConnection,
		parent:          rec.ParentID,
		children:        map[int64]struct{}{},
		loopEdges:       map[int64]struct{}{},
		mergeEdges:      map[int64]struct{}{},
		m:               m,

		pendingCameras: rec.CameraIDs,
	}

	kf.rcb = so3.Identity()
	if rec.HasImuCalib {
		kf.rcb = so3.FromQuat(quatOf(rec.CalibRotation))
		kf.tcb = vecOf(rec.CalibTranslation)
		kf.imuCalibSet = true
	}
	if rec.HasRig {
		kf.rrl = so3.FromQuat(quatOf(rec.RigRotation))
		kf.trl = vecOf(rec.RigTranslation)
	}

	for i, id := range rec.ConnectedIDs {
		kf.connectedWeight[id] = rec.ConnectedWeights[i]
	}
	for _, id := range rec.ChildIDs {
		kf.children[id] = struct{}{}
	}
	for _, id := range rec.LoopEdgeIDs {
		kf.loopEdges[id] = struct{}{}
	}
	for _, id := range rec.MergeEdgeIDs {
		kf.mergeEdges[id] = struct{}{}
	}

	kf.gridWidthInv = gridCols / (kf.maxX - kf.minX)
	kf.gridHeightInv = gridRows / (kf.maxY - kf.minY)
	for i, kp := range kf.keys {
		if cx, cy, ok := kf.posInGrid(kp.Pt); ok {
			kf.grid[cx][cy] = append(kf.grid[cx][cy], i)
		}
	}

	kf.setPoseLocked(so3.FromQuat(quatOf(rec.PoseRotation)), vecOf(rec.PoseTranslation))
	kf.velocity = vecOf(rec.Velocity)
	kf.hasVelocity = rec.HasVelocity
	kf.bias = imu.Bias{Gyro: vecOf(rec.GyroBias), Acc: vecOf(rec.AccBias)}

	m.addKeyFrame(kf)
	return kf
}

// PostLoad resolves the keyframe's id references after every keyframe and
// map point of the persisted map has been rebuilt. Camera models are
// attached from cams by their persisted ids. Dangling references are dropped
// and reported; the returned error combines every failure while the keyframe
// is still left usable. The ordered covisibility cache is rebuilt at the
// end.
func (kf *KeyFrame) PostLoad(cams map[int64]camera.Model) error {
	m := kf.GetMap()
	var errs error

	kf.cameras = kf.cameras[:0]
	for _, id := range kf.pendingCameras {
		cam, ok := cams[id]
		if !ok {
			errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown camera %d", kf.id, id))
			continue
		}
		kf.cameras = append(kf.cameras, cam)
	}
	kf.pendingCameras = nil

	kfOK := func(id int64) bool {
		_, ok := m.KeyFrame(id)
		return ok
	}

	kf.featMu.Lock()
	for i, id := range kf.observations {
		if id == -1 {
			continue
		}
		if _, ok := m.MapPoint(id); !ok {
			errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown map point %d", kf.id, id))
			kf.observations[i] = -1
		}
	}
	kf.featMu.Unlock()

	kf.poseMu.Lock()
	if kf.prevKF != -1 && !kfOK(kf.prevKF) {
		errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown previous keyframe %d", kf.id, kf.prevKF))
		kf.prevKF = -1
	}
	if kf.nextKF != -1 && !kfOK(kf.nextKF) {
		errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown next keyframe %d", kf.id, kf.nextKF))
		kf.nextKF = -1
	}
	kf.poseMu.Unlock()

	kf.connMu.Lock()
	for id := range kf.connectedWeight {
		if !kfOK(id) {
			errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown neighbor %d", kf.id, id))
			delete(kf.connectedWeight, id)
		}
	}
	if kf.parent != -1 && !kfOK(kf.parent) {
		errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown parent %d", kf.id, kf.parent))
		kf.parent = -1
	}
	for _, set := range []map[int64]struct{}{kf.children, kf.loopEdges, kf.mergeEdges} {
		for id := range set {
			if !kfOK(id) {
				errs = multierr.Combine(errs, errors.Errorf("keyframe %d references unknown keyframe %d", kf.id, id))
				delete(set, id)
			}
		}
	}
	kf.connMu.Unlock()

	kf.UpdateBestCovisibles()
	return errs
}

// MapPointRecord is the serializable form of a landmark.
type MapPointRecord struct {
	ID           int64             `json:"id"`
	WorldPos     [3]float64        `json:"world_pos"`
	Observations map[int64]Indexes `json:"observations"`
}

// PreSave captures the landmark into a record, dropping observations from
// keyframes outside the valid set.
func (mp *MapPoint) PreSave(validKFs map[int64]struct{}) *MapPointRecord {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	rec := &MapPointRecord{
		ID:           mp.id,
		WorldPos:     vecSlot(mp.worldPos),
		Observations: map[int64]Indexes{},
	}
	for id, in := range mp.obs {
		if _, ok := validKFs[id]; ok {
			rec.Observations[id] = in
		}
	}
	return rec
}

func reserveMapPointID(id int64) {
	for {
		cur := atomic.LoadInt64(&nextMapPointID)
		if id < cur || atomic.CompareAndSwapInt64(&nextMapPointID, cur, id+1) {
			return
		}
	}
}

// NewMapPointFromRecord rebuilds a landmark under its original id and
// registers it with the map. Observation counts are recomputed in PostLoad
// once the observing keyframes exist.
func NewMapPointFromRecord(rec *MapPointRecord, m *Map) *MapPoint {
	reserveMapPointID(rec.ID)
	mp := &MapPoint{
		id:       rec.ID,
		m:        m,
		worldPos: vecOf(rec.WorldPos),
		obs:      map[int64]Indexes{},
	}
	for id, in := range rec.Observations {
		mp.obs[id] = in
	}
	m.addMapPoint(mp)
	return mp
}

// PostLoad drops observations of keyframes missing from the rebuilt map,
// reporting each, and recomputes the weighted observation count.
func (mp *MapPoint) PostLoad() error {
	m := mp.m
	var errs error

	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.nObs = 0
	for id, in := range mp.obs {
		kf, ok := m.KeyFrame(id)
		if !ok {
			errs = multierr.Combine(errs, errors.Errorf("map point %d references unknown keyframe %d", mp.id, id))
			delete(mp.obs, id)
			continue
		}
		if in.Left != -1 {
			if kf.stereoAt(in.Left) {
				mp.nObs += 2
			} else {
				mp.nObs++
			}
		}
		if in.Right != -1 {
			mp.nObs++
		}
	}
	return errs
}
