package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for image.DecodeConfig
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Dataset layout file names.
const (
	ImagesDir          = "images"
	CalibrationFile    = "camera.yaml"
	GPSFile            = "gps.csv"
	CorrespondencesDB  = "correspondences.db"
	CandidatePairsFile = "pairs.txt"
)

// ErrNoImages is returned when a dataset has no readable images.
var ErrNoImages = errors.New("no images found")

// SupportedExtensions lists the image file extensions picked up from images/.
var SupportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// Load reads a dataset directory into a Session. Unreadable images are skipped
// and reported in the diagnostics; a dataset without any image is an error.
func Load(dir string, opts Options) (*Session, []string, error) {
	imgDir := filepath.Join(dir, ImagesDir)
	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read images directory: %w", err)
	}

	calib, err := loadCalibration(filepath.Join(dir, CalibrationFile))
	if err != nil {
		return nil, nil, err
	}
	gps, diags, err := loadGPS(filepath.Join(dir, GPSFile))
	if err != nil {
		return nil, diags, err
	}

	var images []sfm.Image
	for _, e := range entries {
		if e.IsDir() || !SupportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		path := filepath.Join(imgDir, e.Name())
		w, h, err := imageSize(path)
		if err != nil {
			diags = append(diags, fmt.Sprintf("skipping %s: %v", e.Name(), err))
			continue
		}
		id := sfm.ImageID(e.Name())
		img := sfm.Image{ID: id, Path: path, Camera: calib.Camera(id, w, h)}
		if g, ok := gps[id]; ok {
			img.GPS = &g
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return nil, diags, fmt.Errorf("%s: %w", imgDir, ErrNoImages)
	}

	for _, d := range diags {
		slog.Warn("Dataset diagnostic", "dir", dir, "message", d)
	}
	slog.Debug("Loaded dataset", "dir", dir, "images", len(images), "gps", len(gps))
	return NewSession(dir, images, opts), diags, nil
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path) //nolint:gosec // G304: dataset image paths
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func loadCalibration(path string) (*Calibration, error) {
	f, err := os.Open(path) //nolint:gosec // G304: dataset calibration path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadCalibration(f)
}

func loadGPS(path string) (map[sfm.ImageID]sfm.GPS, []string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: dataset gps path
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open gps file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadGPS(f)
}
