package pipeline

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/stretchr/testify/assert"
)

type recordingProgress struct {
	starts   []int
	progress [][2]int
	complete int
	errs     []error
}

func (r *recordingProgress) OnStart(total int)             { r.starts = append(r.starts, total) }
func (r *recordingProgress) OnProgress(current, total int) { r.progress = append(r.progress, [2]int{current, total}) }
func (r *recordingProgress) OnComplete()                   { r.complete++ }
func (r *recordingProgress) OnError(_ int, err error)      { r.errs = append(r.errs, err) }

func TestNoOpProgressCallback(t *testing.T) {
	callback := NoOpProgressCallback{}
	callback.OnStart(10)
	callback.OnProgress(5, 10)
	callback.OnComplete()
	callback.OnError(3, assert.AnError)
}

func TestConsoleProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	callback := NewConsoleProgressCallback(&buf, "run: ")

	callback.OnStart(4)
	callback.OnProgress(2, 4)
	callback.OnProgress(4, 4)
	callback.OnComplete()
	assert.Contains(t, buf.String(), "run: Registering images")
	assert.Contains(t, buf.String(), "4/4")

	buf.Reset()
	callback.OnError(1, assert.AnError)
	assert.Contains(t, buf.String(), "run: Run aborted after 1 images")
}

func TestConsoleProgressBeforeStart(t *testing.T) {
	var buf bytes.Buffer
	callback := NewConsoleProgressCallback(&buf, "")
	callback.OnProgress(1, 2)
	assert.Empty(t, buf.String())
}

func TestLogProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	callback := NewLogProgressCallback(logger, slog.LevelInfo)

	callback.OnStart(5)
	callback.OnProgress(2, 5)
	callback.OnComplete()
	callback.OnError(2, assert.AnError)

	out := buf.String()
	assert.Contains(t, out, `"msg":"Reconstruction started"`)
	assert.Contains(t, out, `"percent":"40.0"`)
	assert.Contains(t, out, `"msg":"Reconstruction completed"`)
	assert.Contains(t, out, `"level":"ERROR"`)
}

func TestMultiProgressCallback(t *testing.T) {
	a, b := &recordingProgress{}, &recordingProgress{}
	m := NewMultiProgressCallback(a)
	m.Add(b)

	m.OnStart(3)
	m.OnProgress(1, 3)
	m.OnComplete()
	m.OnError(1, assert.AnError)

	for _, r := range []*recordingProgress{a, b} {
		assert.Equal(t, []int{3}, r.starts)
		assert.Equal(t, [][2]int{{1, 3}}, r.progress)
		assert.Equal(t, 1, r.complete)
		assert.Len(t, r.errs, 1)
	}
}

func TestProgressObserverForwardsChanges(t *testing.T) {
	rec := &recordingProgress{}
	obs := newProgressObserver(rec)

	obs.OnEvent(reconstruct.Event{Kind: reconstruct.EventBootstrapped, Registered: 2, Total: 5})
	obs.OnEvent(reconstruct.Event{Kind: reconstruct.EventAdjusted, Registered: 2, Total: 5})
	obs.OnEvent(reconstruct.Event{Kind: reconstruct.EventRegistered, Registered: 3, Total: 5})
	obs.OnEvent(reconstruct.Event{Kind: reconstruct.EventSkipped, Registered: 3, Total: 5})
	obs.OnEvent(reconstruct.Event{Kind: reconstruct.EventFinished, Registered: 4, Total: 5})

	assert.Equal(t, [][2]int{{2, 5}, {3, 5}}, rec.progress)
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 0.0, percent(1, 0), 1e-12)
	assert.InDelta(t, 50.0, percent(1, 2), 1e-12)
}
