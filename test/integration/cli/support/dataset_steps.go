package support

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/export"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/testutil"
	"github.com/cucumber/godog"
)

func (testCtx *TestContext) writeDataset(images int, opts testutil.DatasetOptions) error {
	so := testutil.DefaultSceneOptions()
	so.Images = images
	scene := testutil.NewScene(so)
	if opts.PairFile && opts.Pairs == nil {
		for i := 1; i < len(scene.IDs); i++ {
			opts.Pairs = append(opts.Pairs, sfm.NewImagePair(scene.IDs[i-1], scene.IDs[i]))
		}
	}

	dir := testCtx.Path("dataset")
	if err := scene.WriteDataset(context.Background(), dir, opts); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	testCtx.Scene = scene
	testCtx.DatasetDir = dir
	return nil
}

func (testCtx *TestContext) aSyntheticDatasetWithImages(images int) error {
	return testCtx.writeDataset(images, testutil.DatasetOptions{})
}

func (testCtx *TestContext) aSyntheticDatasetWithGPS(images int) error {
	return testCtx.writeDataset(images, testutil.DatasetOptions{GPS: true})
}

func (testCtx *TestContext) aSyntheticDatasetWithPairFile(images int) error {
	return testCtx.writeDataset(images, testutil.DatasetOptions{PairFile: true})
}

func (testCtx *TestContext) aSyntheticDatasetWithDetector(images int, detector string) error {
	return testCtx.writeDataset(images, testutil.DatasetOptions{Detector: dataset.FeatureType(detector)})
}

func (testCtx *TestContext) theDatasetHasNoCorrespondenceDatabase() error {
	return os.Remove(filepath.Join(testCtx.DatasetDir, dataset.CorrespondencesDB))
}

func (testCtx *TestContext) readReconstruction(filename string) (*export.Document, error) {
	doc, err := export.ReadFile(testCtx.Path(filename))
	if err != nil {
		return nil, fmt.Errorf("read reconstruction %s: %w", filename, err)
	}
	return doc, nil
}

func (testCtx *TestContext) theReconstructionShouldHaveShots(filename string, shots int) error {
	doc, err := testCtx.readReconstruction(filename)
	if err != nil {
		return err
	}
	if len(doc.Shots) != shots {
		return fmt.Errorf("expected %d shots, got %d", shots, len(doc.Shots))
	}
	return nil
}

func (testCtx *TestContext) theReconstructionShouldHaveState(filename, state string) error {
	doc, err := testCtx.readReconstruction(filename)
	if err != nil {
		return err
	}
	if doc.Metadata.State != state {
		return fmt.Errorf("expected state %q, got %q", state, doc.Metadata.State)
	}
	return nil
}

func (testCtx *TestContext) theReconstructionShouldHavePoints(filename string) error {
	doc, err := testCtx.readReconstruction(filename)
	if err != nil {
		return err
	}
	if len(doc.Points) == 0 {
		return fmt.Errorf("reconstruction %s has no points", filename)
	}
	return nil
}

func (testCtx *TestContext) theReconstructionShouldStartFrom(filename, image1, image2 string) error {
	doc, err := testCtx.readReconstruction(filename)
	if err != nil {
		return err
	}
	want := sfm.NewImagePair(sfm.ImageID(image1), sfm.ImageID(image2))
	if doc.Metadata.BootstrapPair == nil || *doc.Metadata.BootstrapPair != want {
		return fmt.Errorf("expected bootstrap pair %s, got %v", want, doc.Metadata.BootstrapPair)
	}
	return nil
}

// RegisterDatasetSteps registers dataset fixture and reconstruction file steps.
func (testCtx *TestContext) RegisterDatasetSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a synthetic dataset with (\d+) images$`, testCtx.aSyntheticDatasetWithImages)
	sc.Step(`^a synthetic dataset with (\d+) images and GPS$`, testCtx.aSyntheticDatasetWithGPS)
	sc.Step(`^a synthetic dataset with (\d+) images and a chain pair file$`, testCtx.aSyntheticDatasetWithPairFile)
	sc.Step(`^a synthetic dataset with (\d+) images matched with "([^"]*)"$`, testCtx.aSyntheticDatasetWithDetector)
	sc.Step(`^the dataset has no correspondence database$`, testCtx.theDatasetHasNoCorrespondenceDatabase)
	sc.Step(`^the reconstruction "([^"]*)" should have (\d+) shots$`, testCtx.theReconstructionShouldHaveShots)
	sc.Step(`^the reconstruction "([^"]*)" should have state "([^"]*)"$`, testCtx.theReconstructionShouldHaveState)
	sc.Step(`^the reconstruction "([^"]*)" should have points$`, testCtx.theReconstructionShouldHavePoints)
	sc.Step(`^the reconstruction "([^"]*)" should start from "([^"]*)" and "([^"]*)"$`,
		testCtx.theReconstructionShouldStartFrom)
}
