package keyframe

import (
	"encoding/json"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/vislam-robotics/vislam/camera"
	"github.com/vislam-robotics/vislam/so3"
)

func validSets(m *Map) (map[int64]struct{}, map[int64]struct{}) {
	kfs := map[int64]struct{}{}
	for _, kf := range m.KeyFrames() {
		kfs[kf.ID()] = struct{}{}
	}
	mps := map[int64]struct{}{}
	for _, mp := range m.MapPoints() {
		mps[mp.ID()] = struct{}{}
	}
	return kfs, mps
}

func TestPersistenceRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := NewMap(logger)

	cam, err := camera.NewPinhole([]float64{500, 500, 320, 240})
	test.That(t, err, test.ShouldBeNil)

	snapA := testSnapshot(40)
	snapA.Cameras = []camera.Model{cam}
	snapA.Rcw = so3.Exp(r3.Vector{X: 0.1, Z: -0.2})
	snapA.Tcw = r3.Vector{X: 0.5, Y: -1, Z: 2}
	a := NewKeyFrame(snapA, m)

	snapB := testSnapshot(40)
	snapB.Cameras = []camera.Model{cam}
	snapB.Rcw = so3.Exp(r3.Vector{X: 0.12, Z: -0.18})
	snapB.Tcw = r3.Vector{X: 0.6, Y: -0.9, Z: 2.1}
	b := NewKeyFrame(snapB, m)
	b.SetVelocity(r3.Vector{X: 0.3, Z: -0.1})
	b.SetPrevKeyFrame(a)
	a.SetNextKeyFrame(b)

	shared := newLandmarks(m, 20)
	share(a, shared, 0)
	share(b, shared, 0)
	a.UpdateConnections()
	b.UpdateConnections()

	validKFs, validMPs := validSets(m)
	kfRecords := []*Record{a.PreSave(validKFs, validMPs), b.PreSave(validKFs, validMPs)}
	var mpRecords []*MapPointRecord
	for _, mp := range m.MapPoints() {
		mpRecords = append(mpRecords, mp.PreSave(validKFs))
	}

	// Records survive a trip through the wire format.
	raw, err := json.Marshal(kfRecords)
	test.That(t, err, test.ShouldBeNil)
	var decoded []*Record
	test.That(t, json.Unmarshal(raw, &decoded), test.ShouldBeNil)

	restored := NewMap(logger)
	for _, rec := range mpRecords {
		NewMapPointFromRecord(rec, restored)
	}
	var rkfs []*KeyFrame
	for _, rec := range decoded {
		rkfs = append(rkfs, NewKeyFrameFromRecord(rec, restored))
	}
	cams := map[int64]camera.Model{cam.ID(): cam}
	for _, kf := range rkfs {
		test.That(t, kf.PostLoad(cams), test.ShouldBeNil)
	}
	for _, mp := range restored.MapPoints() {
		test.That(t, mp.PostLoad(), test.ShouldBeNil)
	}

	ra, ok := restored.KeyFrame(a.ID())
	test.That(t, ok, test.ShouldBeTrue)
	rb, ok := restored.KeyFrame(b.ID())
	test.That(t, ok, test.ShouldBeTrue)

	// Pose round-trips through the quaternion encoding.
	rcw, tcw := ra.GetPose()
	wantR, wantT := a.GetPose()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, rcw.At(i, j), test.ShouldAlmostEqual, wantR.At(i, j), 1e-9)
		}
	}
	test.That(t, tcw.X, test.ShouldAlmostEqual, wantT.X, 1e-12)

	test.That(t, rb.IsVelocitySet(), test.ShouldBeTrue)
	test.That(t, rb.GetVelocity().X, test.ShouldAlmostEqual, 0.3, 1e-12)

	// Graph state: weights, tree and inertial chain survive.
	test.That(t, ra.GetWeight(rb), test.ShouldEqual, 20)
	test.That(t, rb.GetParent().ID(), test.ShouldEqual, a.ID())
	test.That(t, rb.GetPrevKeyFrame().ID(), test.ShouldEqual, a.ID())
	test.That(t, ra.GetNextKeyFrame().ID(), test.ShouldEqual, b.ID())

	// Landmark slots resolve against the restored arena.
	mp := ra.GetMapPoint(0)
	test.That(t, mp, test.ShouldNotBeNil)
	test.That(t, mp.ID(), test.ShouldEqual, shared[0].ID())
	test.That(t, mp.ObservationCount(), test.ShouldEqual, 2)

	best := rb.GetBestCovisibilityKeyFrames(5)
	test.That(t, len(best), test.ShouldEqual, 1)
	test.That(t, best[0].ID(), test.ShouldEqual, a.ID())
}

func TestPreSaveFiltersInvalidReferences(t *testing.T) {
	m := NewMap(golog.NewTestLogger(t))
	a := NewKeyFrame(testSnapshot(30), m)
	b := NewKeyFrame(testSnapshot(30), m)

	shared := newLandmarks(m, 20)
	share(a, shared, 0)
	share(b, shared, 0)
	a.UpdateConnections()
	b.UpdateConnections()

	// Pretend b and every landmark are mid-cull: references to them must
	// not be persisted.
	validKFs := map[int64]struct{}{a.ID(): {}}
	rec := a.PreSave(validKFs, map[int64]struct{}{})

	test.That(t, len(rec.ConnectedIDs), test.ShouldEqual, 0)
	for _, id := range rec.MapPointIDs {
		test.That(t, id, test.ShouldEqual, -1)
	}
	test.That(t, rec.NextID, test.ShouldEqual, -1)
}

func TestPostLoadReportsDanglingReferences(t *testing.T) {
	m := NewMap(golog.NewTestLogger(t))
	a := NewKeyFrame(testSnapshot(30), m)
	b := NewKeyFrame(testSnapshot(30), m)

	shared := newLandmarks(m, 20)
	share(a, shared, 0)
	share(b, shared, 0)
	a.UpdateConnections()
	b.UpdateConnections()

	validKFs, validMPs := validSets(m)
	rec := b.PreSave(validKFs, validMPs)

	// Restore b alone: its references to a and to every landmark dangle.
	restored := NewMap(golog.NewTestLogger(t))
	rb := NewKeyFrameFromRecord(rec, restored)
	err := rb.PostLoad(map[int64]camera.Model{})
	test.That(t, err, test.ShouldNotBeNil)

	// The keyframe stays usable with the dangling references dropped.
	test.That(t, rb.GetParent(), test.ShouldBeNil)
	test.That(t, len(rb.GetConnectedKeyFrames()), test.ShouldEqual, 0)
	test.That(t, rb.GetMapPoint(0), test.ShouldBeNil)
	test.That(t, rb.GetPrevKeyFrame(), test.ShouldBeNil)
}

func TestRestoredIDsDoNotCollide(t *testing.T) {
	m := NewMap(golog.NewTestLogger(t))
	a := NewKeyFrame(testSnapshot(10), m)

	validKFs, validMPs := validSets(m)
	rec := a.PreSave(validKFs, validMPs)

	restored := NewMap(golog.NewTestLogger(t))
	NewKeyFrameFromRecord(rec, restored)

	fresh := NewKeyFrame(testSnapshot(10), restored)
	test.That(t, fresh.ID(), test.ShouldBeGreaterThan, a.ID())
}
