package dataset

import (
	"fmt"
	"io"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"gopkg.in/yaml.v3"
)

// CameraParams are optional calibration values; nil fields keep the default.
type CameraParams struct {
	Focal *float64 `yaml:"focal,omitempty"`
	Cx    *float64 `yaml:"cx,omitempty"`
	Cy    *float64 `yaml:"cy,omitempty"`
	K1    *float64 `yaml:"k1,omitempty"`
	K2    *float64 `yaml:"k2,omitempty"`
}

// Calibration is the content of camera.yaml: shared parameters plus
// per-image overrides keyed by image id.
type Calibration struct {
	CameraParams `yaml:",inline"`
	Images       map[string]CameraParams `yaml:"images,omitempty"`
}

// ReadCalibration parses a calibration file.
func ReadCalibration(r io.Reader) (*Calibration, error) {
	var c Calibration
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse calibration: %w", err)
	}
	return &c, nil
}

// Camera resolves the calibration of an image of the given size.
func (c *Calibration) Camera(id sfm.ImageID, width, height int) geometry.Camera {
	cam := geometry.DefaultCamera(width, height)
	if c == nil {
		return cam
	}
	c.CameraParams.apply(&cam)
	if p, ok := c.Images[string(id)]; ok {
		p.apply(&cam)
	}
	return cam
}

func (p CameraParams) apply(cam *geometry.Camera) {
	if p.Focal != nil && *p.Focal > 0 {
		cam.Focal = *p.Focal
	}
	if p.Cx != nil {
		cam.Cx = *p.Cx
	}
	if p.Cy != nil {
		cam.Cy = *p.Cy
	}
	if p.K1 != nil {
		cam.K1 = *p.K1
	}
	if p.K2 != nil {
		cam.K2 = *p.K2
	}
}
