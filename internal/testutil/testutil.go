package testutil

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// DegreesPerMeter converts scene coordinates into GPS degrees for gps.csv.
const DegreesPerMeter = 1e-4

// DatasetOptions selects what WriteDataset puts on disk.
type DatasetOptions struct {
	// Detector is the feature type the correspondences are stored under.
	Detector dataset.FeatureType
	// Pairs are the matched pairs; nil means all pairs.
	Pairs []sfm.ImagePair
	// PairFile writes Pairs to pairs.txt.
	PairFile bool
	// GPS writes camera centres to gps.csv.
	GPS bool
	// SkipCalibration leaves out camera.yaml.
	SkipCalibration bool
	Visible         Visibility
}

// WriteDataset lays the scene out as a dataset directory: blank images of
// the camera size, calibration, optional GPS and pair files, and the
// ground-truth correspondences in the SQLite store.
func (s *Scene) WriteDataset(ctx context.Context, dir string, opts DatasetOptions) error {
	if opts.Detector == "" {
		opts.Detector = dataset.DefaultFeatureType
	}
	imgDir := filepath.Join(dir, dataset.ImagesDir)
	if err := os.MkdirAll(imgDir, 0o750); err != nil {
		return err
	}
	for i, id := range s.IDs {
		shade := uint8(64 + 16*(i%8))
		img := imaging.New(s.Camera.Width, s.Camera.Height, color.NRGBA{R: shade, G: shade, B: shade, A: 255})
		if err := imaging.Save(img, filepath.Join(imgDir, string(id))); err != nil {
			return fmt.Errorf("write image %s: %w", id, err)
		}
	}

	if !opts.SkipCalibration {
		if err := s.writeCalibration(filepath.Join(dir, dataset.CalibrationFile)); err != nil {
			return err
		}
	}
	if opts.GPS {
		if err := s.writeGPS(filepath.Join(dir, dataset.GPSFile)); err != nil {
			return err
		}
	}

	pairs := opts.Pairs
	if pairs == nil {
		pairs = s.AllPairs()
	}
	if opts.PairFile {
		var b strings.Builder
		b.WriteString("# candidate pairs\n")
		for _, p := range pairs {
			fmt.Fprintf(&b, "%s %s\n", p.Image1, p.Image2)
		}
		if err := os.WriteFile(filepath.Join(dir, dataset.CandidatePairsFile), []byte(b.String()), 0o600); err != nil {
			return err
		}
	}

	return s.writeCorrespondences(ctx, filepath.Join(dir, dataset.CorrespondencesDB), string(opts.Detector), pairs, opts.Visible)
}

func (s *Scene) writeCalibration(path string) error {
	focal, cx, cy := s.Camera.Focal, s.Camera.Cx, s.Camera.Cy
	data, err := yaml.Marshal(dataset.Calibration{
		CameraParams: dataset.CameraParams{Focal: &focal, Cx: &cx, Cy: &cy},
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *Scene) writeGPS(path string) error {
	var b strings.Builder
	b.WriteString("image,lat,lon,alt\n")
	for _, id := range s.IDs {
		c := s.Poses[id].Center()
		fmt.Fprintf(&b, "%s,%.8f,%.8f,%.3f\n", id, 48+c.Y*DegreesPerMeter, 11+c.X*DegreesPerMeter, c.Z)
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func (s *Scene) writeCorrespondences(ctx context.Context, path, detector string, pairs []sfm.ImagePair, visible Visibility) error {
	store, err := correspondence.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	features := s.Features(visible)
	for _, id := range s.IDs {
		if err := store.PutFeatures(ctx, id, detector, features[id]); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		if m := s.Matches(p.Image1, p.Image2); len(m) > 0 {
			if err := store.PutMatches(ctx, p.Image1, p.Image2, detector, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// TempDataset writes the scene into a fresh temporary directory.
func TempDataset(t *testing.T, s *Scene, opts DatasetOptions) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, s.WriteDataset(context.Background(), dir, opts))
	return dir
}
