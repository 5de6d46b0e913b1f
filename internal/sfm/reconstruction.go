package sfm

import (
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/geo/r3"
)

// Shot is a registered image with its estimated pose.
type Shot struct {
	Image  ImageID
	Camera geometry.Camera
	Pose   geometry.Pose
	// Round is the growing round in which the shot was registered; 0 for bootstrap.
	Round int
}

// Point3D is the triangulated position of a track. Invalid points stay in the
// reconstruction and are never triangulated again.
type Point3D struct {
	Track    TrackID
	Position r3.Vector
	Valid    bool
	// Residual is the largest reprojection error in pixels seen at the last
	// adjustment, or at invalidation time for invalid points.
	Residual float64
	// InvalidatedRound is the round in which the point became invalid.
	InvalidatedRound int
}

// ResidualStats summarizes reprojection residuals of the last adjustment.
type ResidualStats struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
	Max    float64 `json:"max" yaml:"max"`
}

// Reconstruction is the growing set of shots and points. It is owned by a
// single reconstructor; concurrent readers must not run while it is mutated.
type Reconstruction struct {
	shots     map[ImageID]*Shot
	shotOrder []ImageID
	points    map[TrackID]*Point3D
	valid     *roaring.Bitmap

	// Residuals holds the statistics of the most recent converged adjustment.
	Residuals ResidualStats
}

// NewReconstruction returns an empty reconstruction.
func NewReconstruction() *Reconstruction {
	return &Reconstruction{
		shots:  make(map[ImageID]*Shot),
		points: make(map[TrackID]*Point3D),
		valid:  roaring.New(),
	}
}

// AddShot registers a shot. Registering an image twice replaces nothing and returns false.
func (r *Reconstruction) AddShot(s Shot) bool {
	if _, ok := r.shots[s.Image]; ok {
		return false
	}
	shot := s
	r.shots[s.Image] = &shot
	r.shotOrder = append(r.shotOrder, s.Image)
	return true
}

// SetPose updates the pose of a registered shot.
func (r *Reconstruction) SetPose(id ImageID, p geometry.Pose) {
	if s, ok := r.shots[id]; ok {
		s.Pose = p
	}
}

// Shot returns a copy of the shot for id.
func (r *Reconstruction) Shot(id ImageID) (Shot, bool) {
	s, ok := r.shots[id]
	if !ok {
		return Shot{}, false
	}
	return *s, true
}

// HasShot reports whether the image is registered.
func (r *Reconstruction) HasShot(id ImageID) bool {
	_, ok := r.shots[id]
	return ok
}

// Shots returns the shots in registration order.
func (r *Reconstruction) Shots() []Shot {
	out := make([]Shot, 0, len(r.shotOrder))
	for _, id := range r.shotOrder {
		out = append(out, *r.shots[id])
	}
	return out
}

// ShotIDs returns the registered image ids in registration order.
func (r *Reconstruction) ShotIDs() []ImageID {
	return append([]ImageID(nil), r.shotOrder...)
}

// NumShots returns the number of registered shots.
func (r *Reconstruction) NumShots() int {
	return len(r.shotOrder)
}

// AddPoint stores a valid point for a track. A track that already has a point,
// valid or not, is left untouched and false is returned.
func (r *Reconstruction) AddPoint(track TrackID, pos r3.Vector, residual float64) bool {
	if _, ok := r.points[track]; ok {
		return false
	}
	r.points[track] = &Point3D{Track: track, Position: pos, Valid: true, Residual: residual}
	r.valid.Add(uint32(track))
	return true
}

// UpdatePoint moves a valid point and records its current residual.
func (r *Reconstruction) UpdatePoint(track TrackID, pos r3.Vector, residual float64) {
	if p, ok := r.points[track]; ok && p.Valid {
		p.Position = pos
		p.Residual = residual
	}
}

// Invalidate marks a point as an outlier. It stays in the reconstruction.
func (r *Reconstruction) Invalidate(track TrackID, residual float64, round int) {
	p, ok := r.points[track]
	if !ok || !p.Valid {
		return
	}
	p.Valid = false
	p.Residual = residual
	p.InvalidatedRound = round
	r.valid.Remove(uint32(track))
}

// Point returns a copy of the point for a track.
func (r *Reconstruction) Point(track TrackID) (Point3D, bool) {
	p, ok := r.points[track]
	if !ok {
		return Point3D{}, false
	}
	return *p, true
}

// HasPoint reports whether the track has a point, valid or not.
func (r *Reconstruction) HasPoint(track TrackID) bool {
	_, ok := r.points[track]
	return ok
}

// Points returns all points ordered by track id.
func (r *Reconstruction) Points() []Point3D {
	out := make([]Point3D, 0, len(r.points))
	for _, p := range r.points {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Track < out[j].Track })
	return out
}

// ValidTracks returns a copy of the set of tracks with a valid point.
func (r *Reconstruction) ValidTracks() *roaring.Bitmap {
	return r.valid.Clone()
}

// NumValidPoints returns the number of valid points.
func (r *Reconstruction) NumValidPoints() int {
	return int(r.valid.GetCardinality())
}

// NumInvalidPoints returns the number of points marked as outliers.
func (r *Reconstruction) NumInvalidPoints() int {
	return len(r.points) - r.NumValidPoints()
}
