// Package export serializes reconstructions.
package export

import (
	"fmt"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// SchemaVersion identifies the document layout.
const SchemaVersion = 1

// Document is the serialized form of a reconstruction.
type Document struct {
	Version  int      `json:"version" yaml:"version"`
	Metadata Metadata `json:"metadata" yaml:"metadata"`
	Cameras  []Camera `json:"cameras" yaml:"cameras"`
	Shots    []Shot   `json:"shots" yaml:"shots"`
	Points   []Point  `json:"points" yaml:"points"`
}

// Metadata describes the run that produced a document.
type Metadata struct {
	RunID         string            `json:"run_id" yaml:"run_id"`
	Scorer        string            `json:"scorer,omitempty" yaml:"scorer,omitempty"`
	State         string            `json:"state,omitempty" yaml:"state,omitempty"`
	StopReason    string            `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	BootstrapPair *sfm.ImagePair    `json:"bootstrap_pair,omitempty" yaml:"bootstrap_pair,omitempty"`
	Images        int               `json:"images" yaml:"images"`
	Unregistered  []sfm.ImageID     `json:"unregistered,omitempty" yaml:"unregistered,omitempty"`
	Rounds        int               `json:"rounds" yaml:"rounds"`
	InvalidPoints int               `json:"invalid_points" yaml:"invalid_points"`
	Divergences   int               `json:"divergences" yaml:"divergences"`
	Residuals     sfm.ResidualStats `json:"residuals" yaml:"residuals"`
	Started       time.Time         `json:"started,omitzero" yaml:"started,omitempty"`
	DurationMs    int64             `json:"duration_ms" yaml:"duration_ms"`
}

// Camera is a named calibration shared by shots.
type Camera struct {
	Name string `json:"name" yaml:"name"`

	geometry.Camera `yaml:",inline"`
}

// Shot is a registered image. Rotation is a rotation vector; the pose maps
// world points into the camera frame.
type Shot struct {
	Image       sfm.ImageID `json:"image" yaml:"image"`
	Camera      string      `json:"camera" yaml:"camera"`
	Rotation    [3]float64  `json:"rotation" yaml:"rotation,flow"`
	Translation [3]float64  `json:"translation" yaml:"translation,flow"`
	Center      [3]float64  `json:"center" yaml:"center,flow"`
	Round       int         `json:"round" yaml:"round"`
}

// Pose returns the shot pose.
func (s Shot) Pose() geometry.Pose {
	return geometry.Pose{Rotation: vec(s.Rotation), Translation: vec(s.Translation)}
}

// Point is a valid triangulated track.
type Point struct {
	Track    sfm.TrackID `json:"track" yaml:"track"`
	Position [3]float64  `json:"position" yaml:"position,flow"`
	Residual float64     `json:"residual" yaml:"residual"`
}

// FromReconstruction builds a document from a reconstruction. Invalid points
// are left out. session and report may be nil.
func FromReconstruction(rec *sfm.Reconstruction, session *dataset.Session, report *reconstruct.Report) *Document {
	doc := &Document{Version: SchemaVersion}

	names := make(map[geometry.Camera]string)
	for _, s := range rec.Shots() {
		name, ok := names[s.Camera]
		if !ok {
			name = fmt.Sprintf("camera_%d", len(doc.Cameras))
			names[s.Camera] = name
			doc.Cameras = append(doc.Cameras, Camera{Name: name, Camera: s.Camera})
		}
		doc.Shots = append(doc.Shots, Shot{
			Image:       s.Image,
			Camera:      name,
			Rotation:    arr(s.Pose.Rotation),
			Translation: arr(s.Pose.Translation),
			Center:      arr(s.Pose.Center()),
			Round:       s.Round,
		})
	}
	for _, p := range rec.Points() {
		if !p.Valid {
			continue
		}
		doc.Points = append(doc.Points, Point{Track: p.Track, Position: arr(p.Position), Residual: p.Residual})
	}

	md := &doc.Metadata
	md.InvalidPoints = rec.NumInvalidPoints()
	md.Residuals = rec.Residuals
	if session != nil {
		md.Images = session.Len()
	}
	if report != nil {
		md.RunID = report.RunID
		md.Scorer = report.Scorer
		md.State = report.State.String()
		md.StopReason = report.StopReason
		md.BootstrapPair = report.BootstrapPair
		md.Unregistered = report.Unregistered
		md.Rounds = report.Rounds
		md.Divergences = report.Divergences
		md.Started = report.Started
		md.DurationMs = report.Duration.Milliseconds()
	}
	if md.RunID == "" {
		md.RunID = uuid.NewString()
	}
	return doc
}

func arr(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func vec(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}
