package export

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/testutil"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) (*sfm.Reconstruction, *testutil.Scene) {
	t.Helper()
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g, _ := tracks.NewBuilder().Build(scene.Index(nil, nil))
	rec := scene.Reconstruction(g, scene.IDs[:3]...)
	require.Positive(t, rec.NumValidPoints())
	return rec, scene
}

func TestFromReconstruction(t *testing.T) {
	rec, scene := fixture(t)
	invalid := rec.Points()[0].Track
	rec.Invalidate(invalid, 9, 2)

	pair := sfm.NewImagePair(scene.IDs[0], scene.IDs[1])
	report := &reconstruct.Report{
		RunID:         "run-42",
		Scorer:        "snavely",
		State:         reconstruct.StateConverged,
		BootstrapPair: &pair,
		Rounds:        1,
		Duration:      1500 * time.Millisecond,
	}
	doc := FromReconstruction(rec, scene.Session(), report)

	assert.Equal(t, SchemaVersion, doc.Version)
	assert.Equal(t, "run-42", doc.Metadata.RunID)
	assert.Equal(t, "converged", doc.Metadata.State)
	assert.Equal(t, int64(1500), doc.Metadata.DurationMs)
	assert.Equal(t, len(scene.IDs), doc.Metadata.Images)
	assert.Equal(t, 1, doc.Metadata.InvalidPoints)

	require.Len(t, doc.Cameras, 1)
	assert.Equal(t, scene.Camera, doc.Cameras[0].Camera)
	require.Len(t, doc.Shots, 3)
	for i, s := range rec.Shots() {
		assert.Equal(t, s.Image, doc.Shots[i].Image)
		assert.Equal(t, "camera_0", doc.Shots[i].Camera)
		assert.Equal(t, s.Pose, doc.Shots[i].Pose())
	}
	assert.Len(t, doc.Points, rec.NumValidPoints())
	for _, p := range doc.Points {
		assert.NotEqual(t, invalid, p.Track)
	}
}

func TestFromReconstructionWithoutReport(t *testing.T) {
	rec, _ := fixture(t)
	doc := FromReconstruction(rec, nil, nil)
	assert.NotEmpty(t, doc.Metadata.RunID)
	assert.Zero(t, doc.Metadata.Images)
}

func TestWriteReadRoundTrip(t *testing.T) {
	rec, scene := fixture(t)
	doc := FromReconstruction(rec, scene.Session(), &reconstruct.Report{RunID: "rt"})
	dir := t.TempDir()

	for _, name := range []string{"out.json", "out.yaml", "nested/out.json.zst", "out.yml.lz4"} {
		t.Run(name, func(t *testing.T) {
			dest := filepath.Join(dir, name)
			require.NoError(t, NewWriter(FormatJSON, S3Options{}).Write(context.Background(), dest, doc))

			got, err := ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, doc.Shots, got.Shots)
			assert.Equal(t, doc.Points, got.Points)
			assert.Equal(t, doc.Cameras, got.Cameras)
			assert.Equal(t, "rt", got.Metadata.RunID)
		})
	}
}

type memSink struct {
	names []string
	buf   bytes.Buffer
}

func (m *memSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	m.names = append(m.names, name)
	return nopCloser{&m.buf}, nil
}

func TestWriterUsesSinkAndCompression(t *testing.T) {
	rec, _ := fixture(t)
	doc := FromReconstruction(rec, nil, nil)
	sink := &memSink{}

	w := NewWriter(FormatYAML, S3Options{}).WithSink(sink)
	require.NoError(t, w.Write(context.Background(), "s3://bucket/run/recon.zst", doc))
	assert.Equal(t, []string{"s3://bucket/run/recon.zst"}, sink.names)

	r, err := Decompress(&sink.buf, CompressionZstd)
	require.NoError(t, err)
	got, err := Decode(r, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, doc.Points, got.Points)
}

func TestNamesAndFormats(t *testing.T) {
	assert.Equal(t, CompressionZstd, CompressionFor("a/b.json.zst"))
	assert.Equal(t, CompressionLZ4, CompressionFor("b.LZ4"))
	assert.Equal(t, CompressionNone, CompressionFor("b.json"))

	assert.Equal(t, FormatYAML, FormatFor("x.yaml.zst", FormatJSON))
	assert.Equal(t, FormatJSON, FormatFor("x.json", FormatYAML))
	assert.Equal(t, FormatYAML, FormatFor("x.out", FormatYAML))

	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	bucket, key, ok := ParseS3URL("s3://recon/runs/a.json")
	assert.True(t, ok)
	assert.Equal(t, "recon", bucket)
	assert.Equal(t, "runs/a.json", key)
	_, _, ok = ParseS3URL("s3://recon")
	assert.False(t, ok)
	_, _, ok = ParseS3URL("/tmp/a.json")
	assert.False(t, ok)
}

func TestWriteRejectsBadDestination(t *testing.T) {
	rec, _ := fixture(t)
	doc := FromReconstruction(rec, nil, nil)
	w := NewWriter(FormatJSON, S3Options{})
	assert.Error(t, w.Write(context.Background(), "", doc))
	assert.Error(t, w.Write(context.Background(), "s3://only-bucket", doc))
	assert.Error(t, w.Write(context.Background(), "s3://bucket/key.json", doc), "no endpoint configured")
}
