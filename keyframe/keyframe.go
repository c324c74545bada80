package keyframe

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/camera"
	"github.com/vislam-robotics/vislam/imu"
	"github.com/vislam-robotics/vislam/so3"
)

const (
	gridCols = 64
	gridRows = 48
)

// KeyPoint is one detected image feature, undistorted.
type KeyPoint struct {
	Pt     r2.Point
	Octave int
}

// FrameSnapshot carries everything a keyframe copies out of a tracked frame
// at creation time. Rotation conventions follow the rest of the module: Rcw
// maps world to camera, Rcb maps body to camera.
type FrameSnapshot struct {
	FrameID   int64
	Timestamp float64

	Rcw *mat.Dense
	Tcw r3.Vector

	Velocity    *r3.Vector
	Bias        imu.Bias
	Integration imu.Preintegrated

	Cameras []camera.Model
	// Body-to-camera calibration; nil for vision-only rigs.
	Rcb *mat.Dense
	Tcb r3.Vector
	// Left-to-right camera transform; nil outside two-camera rigs.
	Rrl *mat.Dense
	Trl r3.Vector

	Fx, Fy, Cx, Cy float64
	Bf             float64
	Baseline       float64
	DepthThreshold float64

	MinX, MinY, MaxX, MaxY float64

	// KeyPoints concatenates left then right image features for two-camera
	// rigs; NumLeft is the left count, or -1 for single-image rigs.
	KeyPoints   []KeyPoint
	NumLeft     int
	RightU      []float64
	Depth       []float64
	Descriptors [][]byte
}

// KeyFrame is one node of the covisibility graph. Pose, feature matches,
// graph connections and the map back-reference are guarded by separate
// mutexes so that tracking, local mapping and loop closing contend only on
// the state they actually touch. Everything copied from the frame snapshot
// is immutable after construction and read lock-free.
type KeyFrame struct {
	id        int64
	frameID   int64
	timestamp float64
	originMap int64

	cameras        []camera.Model
	rcb            *mat.Dense
	tcb            r3.Vector
	imuCalibSet    bool
	rrl            *mat.Dense
	trl            r3.Vector
	fx, fy, cx, cy float64
	invfx, invfy   float64
	bf, baseline   float64
	thDepth        float64

	minX, minY, maxX, maxY float64
	gridWidthInv           float64
	gridHeightInv          float64
	grid                   [gridCols][gridRows][]int

	keys        []KeyPoint
	numLeft     int
	rightU      []float64
	depth       []float64
	descriptors [][]byte

	integration imu.Preintegrated

	poseMu      sync.Mutex
	rcw         *mat.Dense
	tcw         r3.Vector
	rwc         *mat.Dense
	twc         r3.Vector
	owb         r3.Vector
	velocity    r3.Vector
	hasVelocity bool
	bias        imu.Bias
	rcp         *mat.Dense
	tcp         r3.Vector
	prevKF      int64
	nextKF      int64

	featMu       sync.Mutex
	observations []int64

	connMu          sync.Mutex
	connectedWeight map[int64]int
	orderedKFs      []int64
	orderedWeights  []int
	firstConnection bool
	parent          int64
	children        map[int64]struct{}
	loopEdges       map[int64]struct{}
	mergeEdges      map[int64]struct{}
	notErase        bool
	toBeErased      bool
	bad             bool

	mapMu sync.Mutex
	m     *Map

	// Camera ids awaiting resolution between NewKeyFrameFromRecord and
	// PostLoad.
	pendingCameras []int64
}

// NewKeyFrame copies the frame snapshot into a new graph node and registers
// it with the map. The first keyframe registered becomes the map origin.
func NewKeyFrame(snap FrameSnapshot, m *Map) *KeyFrame {
	numLeft := snap.NumLeft
	if numLeft == 0 {
		numLeft = -1
	}
	kf := &KeyFrame{
		id:        atomic.AddInt64(&nextKeyFrameID, 1) - 1,
		frameID:   snap.FrameID,
		timestamp: snap.Timestamp,
		originMap: m.ID(),

		cameras:     snap.Cameras,
		fx:          snap.Fx,
		fy:          snap.Fy,
		cx:          snap.Cx,
		cy:          snap.Cy,
		invfx:       1 / snap.Fx,
		invfy:       1 / snap.Fy,
		bf:          snap.Bf,
		baseline:    snap.Baseline,
		thDepth:     snap.DepthThreshold,
		minX:        snap.MinX,
		minY:        snap.MinY,
		maxX:        snap.MaxX,
		maxY:        snap.MaxY,
		keys:        snap.KeyPoints,
		numLeft:     numLeft,
		rightU:      snap.RightU,
		depth:       snap.Depth,
		descriptors: snap.Descriptors,
		integration: snap.Integration,

		prevKF:          -1,
		nextKF:          -1,
		observations:    make([]int64, len(snap.KeyPoints)),
		connectedWeight: map[int64]int{},
		firstConnection: true,
		parent:          -1,
		children:        map[int64]struct{}{},
		loopEdges:       map[int64]struct{}{},
		mergeEdges:      map[int64]struct{}{},
		m:               m,
	}
	for i := range kf.observations {
		kf.observations[i] = -1
	}

	kf.rcb = so3.Identity()
	if snap.Rcb != nil {
		kf.rcb = snap.Rcb
		kf.tcb = snap.Tcb
		kf.imuCalibSet = true
	}
	if snap.Rrl != nil {
		kf.rrl = snap.Rrl
		kf.trl = snap.Trl
	}

	kf.gridWidthInv = gridCols / (kf.maxX - kf.minX)
	kf.gridHeightInv = gridRows / (kf.maxY - kf.minY)
	for i, kp := range kf.keys {
		if cx, cy, ok := kf.posInGrid(kp.Pt); ok {
			kf.grid[cx][cy] = append(kf.grid[cx][cy], i)
		}
	}

	kf.setPoseLocked(snap.Rcw, snap.Tcw)
	if snap.Velocity != nil {
		kf.velocity = *snap.Velocity
		kf.hasVelocity = true
	}
	kf.bias = snap.Bias

	m.addKeyFrame(kf)
	return kf
}

// ID returns the keyframe's stable numeric id.
func (kf *KeyFrame) ID() int64 { return kf.id }

// FrameID returns the id of the frame the keyframe was promoted from.
func (kf *KeyFrame) FrameID() int64 { return kf.frameID }

// Timestamp returns the capture time in seconds.
func (kf *KeyFrame) Timestamp() float64 { return kf.timestamp }

// setPoseLocked derives the inverse pose and the body position in world
// coordinates. Callers outside construction must hold poseMu.
func (kf *KeyFrame) setPoseLocked(rcw *mat.Dense, tcw r3.Vector) {
	kf.rcw = rcw
	kf.tcw = tcw
	rwc := mat.NewDense(3, 3, nil)
	rwc.Copy(rcw.T())
	kf.rwc = rwc
	kf.twc = so3.Apply(rwc, tcw).Mul(-1)
	kf.owb = so3.Apply(rwc, kf.tcb).Add(kf.twc)
}

// SetPose replaces the world-to-camera pose and rederives the inverse pose
// and the body position.
func (kf *KeyFrame) SetPose(rcw *mat.Dense, tcw r3.Vector) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.setPoseLocked(rcw, tcw)
}

// GetPose returns the world-to-camera pose.
func (kf *KeyFrame) GetPose() (*mat.Dense, r3.Vector) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.rcw, kf.tcw
}

// GetPoseInverse returns the camera-to-world pose.
func (kf *KeyFrame) GetPoseInverse() (*mat.Dense, r3.Vector) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.rwc, kf.twc
}

// GetCameraCenter returns the left camera's position in world coordinates.
func (kf *KeyFrame) GetCameraCenter() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.twc
}

// GetRotation returns the world-to-camera rotation.
func (kf *KeyFrame) GetRotation() *mat.Dense {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.rcw
}

// GetTranslation returns the world-to-camera translation.
func (kf *KeyFrame) GetTranslation() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.tcw
}

// GetPoseRelativeToParent returns the pose relative to the spanning-tree
// parent cached when the keyframe was erased, for trajectory reconstruction
// through bad keyframes. ok is false while the keyframe is alive.
func (kf *KeyFrame) GetPoseRelativeToParent() (*mat.Dense, r3.Vector, bool) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	if kf.rcp == nil {
		return nil, r3.Vector{}, false
	}
	return kf.rcp, kf.tcp, true
}

// GetImuRotation returns the body-to-world rotation.
func (kf *KeyFrame) GetImuRotation() *mat.Dense {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	out := mat.NewDense(3, 3, nil)
	out.Mul(kf.rwc, kf.rcb)
	return out
}

// GetImuPosition returns the body position in world coordinates.
func (kf *KeyFrame) GetImuPosition() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.owb
}

// GetCameraModels returns the rig's camera models.
func (kf *KeyFrame) GetCameraModels() []camera.Model { return kf.cameras }

// GetBaselineFocal returns the stereo baseline times focal length.
func (kf *KeyFrame) GetBaselineFocal() float64 { return kf.bf }

// GetCameraCalib returns the body-to-camera calibration of the left camera.
func (kf *KeyFrame) GetCameraCalib() (*mat.Dense, r3.Vector) {
	return kf.rcb, kf.tcb
}

// IsImuCalibSet reports whether a body-to-camera calibration was provided.
func (kf *KeyFrame) IsImuCalibSet() bool { return kf.imuCalibSet }

// GetRightRelativePose returns the left-to-right camera transform, or
// identity when the rig has a single image.
func (kf *KeyFrame) GetRightRelativePose() (*mat.Dense, r3.Vector) {
	if kf.rrl == nil {
		return so3.Identity(), r3.Vector{}
	}
	return kf.rrl, kf.trl
}

// Intrinsics returns the pinhole intrinsics and stereo baseline-focal
// product of the left camera.
func (kf *KeyFrame) Intrinsics() (fx, fy, cx, cy, bf float64) {
	return kf.fx, kf.fy, kf.cx, kf.cy, kf.bf
}

// GetVelocity returns the body velocity in world coordinates; meaningful
// only when IsVelocitySet reports true.
func (kf *KeyFrame) GetVelocity() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.velocity
}

// IsVelocitySet reports whether a velocity estimate exists.
func (kf *KeyFrame) IsVelocitySet() bool {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.hasVelocity
}

// SetVelocity stores the body velocity in world coordinates.
func (kf *KeyFrame) SetVelocity(v r3.Vector) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.velocity = v
	kf.hasVelocity = true
}

// GetImuBias returns the current IMU bias estimate.
func (kf *KeyFrame) GetImuBias() imu.Bias {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.bias
}

// GetGyroBias returns the gyroscope bias estimate.
func (kf *KeyFrame) GetGyroBias() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.bias.Gyro
}

// GetAccBias returns the accelerometer bias estimate.
func (kf *KeyFrame) GetAccBias() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.bias.Acc
}

// SetNewBias stores an updated bias estimate and pushes it into the
// keyframe's preintegrated measurement.
func (kf *KeyFrame) SetNewBias(b imu.Bias) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.bias = b
	if kf.integration != nil {
		kf.integration.SetNewBias(b)
	}
}

// GetIntegration returns the preintegrated IMU measurement covering the
// interval since the previous keyframe, or nil.
func (kf *KeyFrame) GetIntegration() imu.Preintegrated { return kf.integration }

// SetPrevKeyFrame links the previous keyframe of the inertial chain; nil
// unlinks.
func (kf *KeyFrame) SetPrevKeyFrame(prev *KeyFrame) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	if prev == nil {
		kf.prevKF = -1
		return
	}
	kf.prevKF = prev.id
}

// SetNextKeyFrame links the next keyframe of the inertial chain; nil unlinks.
func (kf *KeyFrame) SetNextKeyFrame(next *KeyFrame) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	if next == nil {
		kf.nextKF = -1
		return
	}
	kf.nextKF = next.id
}

// GetPrevKeyFrame resolves the previous keyframe of the inertial chain, or
// nil.
func (kf *KeyFrame) GetPrevKeyFrame() *KeyFrame {
	kf.poseMu.Lock()
	id := kf.prevKF
	kf.poseMu.Unlock()
	if id == -1 {
		return nil
	}
	prev, _ := kf.GetMap().KeyFrame(id)
	return prev
}

// GetNextKeyFrame resolves the next keyframe of the inertial chain, or nil.
func (kf *KeyFrame) GetNextKeyFrame() *KeyFrame {
	kf.poseMu.Lock()
	id := kf.nextKF
	kf.poseMu.Unlock()
	if id == -1 {
		return nil
	}
	next, _ := kf.GetMap().KeyFrame(id)
	return next
}

// GetMap returns the map this keyframe currently belongs to.
func (kf *KeyFrame) GetMap() *Map {
	kf.mapMu.Lock()
	defer kf.mapMu.Unlock()
	return kf.m
}

// UpdateMap moves the keyframe's back-reference to another map instance.
func (kf *KeyFrame) UpdateMap(m *Map) {
	kf.mapMu.Lock()
	defer kf.mapMu.Unlock()
	kf.m = m
}

// KeyPoints returns the keyframe's undistorted keypoints. The slice is
// shared and must not be modified.
func (kf *KeyFrame) KeyPoints() []KeyPoint { return kf.keys }

// Descriptor returns the feature descriptor at slot idx.
func (kf *KeyFrame) Descriptor(idx int) []byte { return kf.descriptors[idx] }

// stereoAt reports whether the keypoint slot carries a matched right-image
// coordinate, which makes its observation count double.
func (kf *KeyFrame) stereoAt(idx int) bool {
	if kf.numLeft != -1 {
		return false
	}
	return idx < len(kf.rightU) && kf.rightU[idx] >= 0
}

// AddMapPoint associates a landmark with keypoint slot idx.
func (kf *KeyFrame) AddMapPoint(mp *MapPoint, idx int) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.observations[idx] = mp.id
}

// EraseMapPointMatchAt clears the landmark association at slot idx.
func (kf *KeyFrame) EraseMapPointMatchAt(idx int) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.observations[idx] = -1
}

// EraseMapPointMatch clears every slot associated with the given landmark.
func (kf *KeyFrame) EraseMapPointMatch(mp *MapPoint) {
	in := mp.GetIndexInKeyFrame(kf)
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	if in.Left != -1 {
		kf.observations[in.Left] = -1
	}
	if in.Right != -1 {
		kf.observations[in.Right] = -1
	}
}

// ReplaceMapPointMatch swaps the landmark at slot idx.
func (kf *KeyFrame) ReplaceMapPointMatch(idx int, mp *MapPoint) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.observations[idx] = mp.id
}

// GetMapPoint resolves the landmark at slot idx, or nil.
func (kf *KeyFrame) GetMapPoint(idx int) *MapPoint {
	kf.featMu.Lock()
	id := kf.observations[idx]
	kf.featMu.Unlock()
	if id == -1 {
		return nil
	}
	mp, _ := kf.GetMap().MapPoint(id)
	return mp
}

// GetMapPointMatches resolves the landmark of every keypoint slot; entries
// are nil where no live landmark is associated.
func (kf *KeyFrame) GetMapPointMatches() []*MapPoint {
	kf.featMu.Lock()
	ids := make([]int64, len(kf.observations))
	copy(ids, kf.observations)
	kf.featMu.Unlock()

	m := kf.GetMap()
	out := make([]*MapPoint, len(ids))
	for i, id := range ids {
		if id == -1 {
			continue
		}
		if mp, ok := m.MapPoint(id); ok {
			out[i] = mp
		}
	}
	return out
}

// GetMapPoints returns the distinct live landmarks observed by this
// keyframe.
func (kf *KeyFrame) GetMapPoints() []*MapPoint {
	seen := map[int64]struct{}{}
	var out []*MapPoint
	for _, mp := range kf.GetMapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		if _, ok := seen[mp.id]; ok {
			continue
		}
		seen[mp.id] = struct{}{}
		out = append(out, mp)
	}
	return out
}

// GetNumberMPs counts the keypoint slots with a live landmark.
func (kf *KeyFrame) GetNumberMPs() int {
	n := 0
	for _, mp := range kf.GetMapPointMatches() {
		if mp != nil && !mp.IsBad() {
			n++
		}
	}
	return n
}

// TrackedMapPoints counts the live landmarks observed by at least minObs
// observation counts.
func (kf *KeyFrame) TrackedMapPoints(minObs int) int {
	n := 0
	for _, mp := range kf.GetMapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		if minObs <= 0 || mp.ObservationCount() >= minObs {
			n++
		}
	}
	return n
}

func (kf *KeyFrame) posInGrid(pt r2.Point) (int, int, bool) {
	cx := int(math.Round((pt.X - kf.minX) * kf.gridWidthInv))
	cy := int(math.Round((pt.Y - kf.minY) * kf.gridHeightInv))
	if cx < 0 || cx >= gridCols || cy < 0 || cy >= gridRows {
		return 0, 0, false
	}
	return cx, cy, true
}

// IsInImage reports whether pixel coordinates fall inside the image bounds.
func (kf *KeyFrame) IsInImage(x, y float64) bool {
	return x >= kf.minX && x < kf.maxX && y >= kf.minY && y < kf.maxY
}

// GetFeaturesInArea returns the keypoint slots strictly inside an
// axis-aligned box of half-width r around (x, y), using the grid index to
// restrict the search.
func (kf *KeyFrame) GetFeaturesInArea(x, y, r float64) []int {
	minCellX := int(math.Floor((x - r - kf.minX) * kf.gridWidthInv))
	maxCellX := int(math.Ceil((x + r - kf.minX) * kf.gridWidthInv))
	minCellY := int(math.Floor((y - r - kf.minY) * kf.gridHeightInv))
	maxCellY := int(math.Ceil((y + r - kf.minY) * kf.gridHeightInv))
	if maxCellX < 0 || minCellX >= gridCols || maxCellY < 0 || minCellY >= gridRows {
		return nil
	}
	minCellX = max(0, minCellX)
	maxCellX = min(gridCols-1, maxCellX)
	minCellY = max(0, minCellY)
	maxCellY = min(gridRows-1, maxCellY)

	var out []int
	for ix := minCellX; ix <= maxCellX; ix++ {
		for iy := minCellY; iy <= maxCellY; iy++ {
			for _, idx := range kf.grid[ix][iy] {
				kp := kf.keys[idx]
				if math.Abs(kp.Pt.X-x) < r && math.Abs(kp.Pt.Y-y) < r {
					out = append(out, idx)
				}
			}
		}
	}
	return out
}

// UnprojectStereo lifts keypoint slot i into world coordinates using its
// measured depth; ok is false when no depth is available.
func (kf *KeyFrame) UnprojectStereo(i int) (r3.Vector, bool) {
	z := kf.depth[i]
	if z <= 0 {
		return r3.Vector{}, false
	}
	u := kf.keys[i].Pt.X
	v := kf.keys[i].Pt.Y
	pc := r3.Vector{
		X: (u - kf.cx) * z * kf.invfx,
		Y: (v - kf.cy) * z * kf.invfy,
		Z: z,
	}

	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return so3.Apply(kf.rwc, pc).Add(kf.twc), true
}

// ComputeSceneMedianDepth returns the 1/q quantile depth of the keyframe's
// landmarks in its own camera frame; 2 gives the median. Returns -1 when no
// landmarks are associated.
func (kf *KeyFrame) ComputeSceneMedianDepth(q int) float64 {
	matches := kf.GetMapPointMatches()
	rcw, tcw := kf.GetPose()
	rz := r3.Vector{X: rcw.At(2, 0), Y: rcw.At(2, 1), Z: rcw.At(2, 2)}

	depths := make([]float64, 0, len(matches))
	for _, mp := range matches {
		if mp == nil {
			continue
		}
		depths = append(depths, rz.Dot(mp.GetWorldPos())+tcw.Z)
	}
	if len(depths) == 0 {
		return -1
	}
	sort.Float64s(depths)
	return depths[(len(depths)-1)/q]
}
