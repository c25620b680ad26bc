package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/internal/keygen"
	"github.com/anime-shed/image-ocr-go/internal/observer"
	"github.com/anime-shed/image-ocr-go/internal/repository"
	"github.com/anime-shed/image-ocr-go/internal/source"
	"github.com/anime-shed/image-ocr-go/internal/storage"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var fixedClock = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

// fakeFetcher hands out 100 byte payloads and counts their releases.
type fakeFetcher struct {
	err      error
	calls    int32
	releases int32
}

func (f *fakeFetcher) FetchBytes(ctx context.Context, ref models.ImageReference) (*models.Payload, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	p := models.NewPayload(make([]byte, 100), "image/png")
	p.OnRelease(func() { atomic.AddInt32(&f.releases, 1) })
	return p, nil
}

// fakeStore is an ObjectStore whose Put can be held open with gate. A held
// Put gives up when its context ends unless ignoreCtx is set.
type fakeStore struct {
	mu         sync.Mutex
	steps      []int64
	putErr     error
	gate       chan struct{}
	ignoreCtx  bool
	putStarted chan struct{}
	resolved   chan string
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string, progress func(int64)) error {
	s.mu.Lock()
	steps, putErr, gate, ignoreCtx := s.steps, s.putErr, s.gate, s.ignoreCtx
	s.mu.Unlock()

	if s.putStarted != nil {
		s.putStarted <- struct{}{}
	}
	for _, n := range steps {
		progress(n)
	}
	if gate != nil {
		if ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return putErr
}

func (s *fakeStore) ResolveURL(ctx context.Context, key string) (string, error) {
	if s.resolved != nil {
		defer func() { s.resolved <- key }()
	}
	return "https://store/" + key, nil
}

func (s *fakeStore) succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = nil
	s.steps = nil
}

type fakeRecognizer struct {
	mu    sync.Mutex
	text  string
	err   error
	gate  chan struct{}
	done  chan struct{}
	calls []models.RemoteURL
}

func (r *fakeRecognizer) Recognize(ctx context.Context, url models.RemoteURL) (*models.RecognitionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, url)
	text, err, gate, done := r.text, r.err, r.gate, r.done
	r.mu.Unlock()

	if done != nil {
		defer close(done)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &models.RecognitionResult{URL: url, Text: text, RecognizedAt: time.Now()}, nil
}

func (r *fakeRecognizer) set(text string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text, r.err = text, err
}

type recordingObserver struct {
	mu       sync.Mutex
	stages   []models.Stage
	progress []float64
}

func (o *recordingObserver) OnEvent(ctx context.Context, event observer.StateEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if event.EventType == observer.UploadProgressed {
		o.progress = append(o.progress, event.State.Progress)
		return
	}
	o.stages = append(o.stages, event.State.Stage)
}

func (o *recordingObserver) GetObserverName() string { return "recorder" }

// waitStages waits until n stage changes have been delivered.
func (o *recordingObserver) waitStages(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stages, _ := o.snapshot()
		return len(stages) >= n
	}, waitFor, tick)
}

func (o *recordingObserver) snapshot() ([]models.Stage, []float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Stage(nil), o.stages...), append([]float64(nil), o.progress...)
}

type harness struct {
	ctrl       Pipeline
	fetcher    *fakeFetcher
	store      *fakeStore
	recognizer *fakeRecognizer
	runs       repository.RunRepository
	rec        *recordingObserver
}

func newHarness(t *testing.T, perms source.Permissions) *harness {
	t.Helper()
	if perms == nil {
		perms = source.NewStaticPermissions(true, true)
	}
	h := &harness{
		fetcher:    &fakeFetcher{},
		store:      &fakeStore{},
		recognizer: &fakeRecognizer{text: "HELLO"},
		runs:       repository.NewMemoryRunRepository(10),
		rec:        &recordingObserver{},
	}
	h.ctrl = NewController(Dependencies{
		Source:     source.Guard(source.NewPicker(), perms),
		Fetcher:    h.fetcher,
		Uploader:   storage.NewUploader(h.store, time.Second),
		Keys:       keygen.NewTimestampGeneratorWithClock("", fixedClock),
		Recognizer: h.recognizer,
		Runs:       h.runs,
	})
	h.ctrl.Subscribe(h.rec)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) selectImage(t *testing.T, uri string) State {
	t.Helper()
	st, err := h.ctrl.SelectImage(context.Background(), source.Request{Mode: source.ModeLibrary, URI: uri})
	require.NoError(t, err)
	return st
}

func (h *harness) waitStage(t *testing.T, stage models.Stage) State {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State().Stage == stage }, waitFor, tick,
		"stage never became %s (last %s)", stage, h.ctrl.State().Stage)
	return h.ctrl.State()
}

func TestController_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.store.steps = []int64{50}

	st := h.selectImage(t, "file:///tmp/a.png")
	assert.Equal(t, models.StageImageSelected, st.Stage)
	assert.Equal(t, models.ImageReference("file:///tmp/a.png"), st.Image)

	st, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageUploading, st.Stage)

	st = h.waitStage(t, models.StageUploaded)
	assert.Equal(t, models.RemoteURL("https://store/2024-01-01T00:00:00.000Z"), st.URL)
	assert.Equal(t, 1.0, st.Progress)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.fetcher.releases))

	st, err = h.ctrl.StartRecognition(context.Background(), RecognizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StageRecognizing, st.Stage)

	st = h.waitStage(t, models.StageRecognized)
	require.NotNil(t, st.Result)
	assert.Equal(t, "HELLO", st.Result.Text)
	assert.Equal(t, st.URL, st.Result.URL)
	assert.Equal(t, models.ImageReference("file:///tmp/a.png"), st.Result.Image)
	assert.Nil(t, st.Result.Accuracy)
	assert.Equal(t, []models.RemoteURL{"https://store/2024-01-01T00:00:00.000Z"}, h.recognizer.calls)

	saved, err := h.runs.GetRun(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", saved.Text)

	h.rec.waitStages(t, 5)
	stages, progress := h.rec.snapshot()
	assert.Equal(t, []models.Stage{
		models.StageImageSelected,
		models.StageUploading,
		models.StageUploaded,
		models.StageRecognizing,
		models.StageRecognized,
	}, stages)
	assert.Equal(t, []float64{0.5, 1}, progress)
}

func TestController_UploadFailureAfterProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.store.steps = []int64{50}
	h.store.putErr = errors.New("connection reset")

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)

	st := h.waitStage(t, models.StageError)
	assert.Equal(t, models.StageUploading, st.FailedStage)
	require.NotNil(t, st.Error)
	assert.Equal(t, string(apperrors.ErrorTypeUpload), st.Error.Type)
	assert.ErrorIs(t, st.Error.Cause, h.store.putErr)
	assert.Empty(t, st.URL)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.fetcher.releases))

	h.rec.waitStages(t, 3)
	stages, progress := h.rec.snapshot()
	assert.Equal(t, []models.Stage{models.StageImageSelected, models.StageUploading, models.StageError}, stages)
	assert.Equal(t, []float64{0.5}, progress)
}

func TestController_FetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = apperrors.NewNetworkError("failed to fetch image", errors.New("no such file"))

	h.selectImage(t, "file:///tmp/missing.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)

	st := h.waitStage(t, models.StageError)
	assert.Equal(t, models.StageUploading, st.FailedStage)
	assert.Equal(t, "network", st.Error.Type)
	assert.Equal(t, "failed to fetch image", st.Error.Message)
}

func TestController_CancelledSelectionKeepsState(t *testing.T) {
	h := newHarness(t, nil)

	st, err := h.ctrl.SelectImage(context.Background(), source.Request{Mode: source.ModeLibrary, Cancelled: true})
	assert.True(t, source.IsCancelled(err))
	assert.Equal(t, models.StageIdle, st.Stage)

	h.selectImage(t, "file:///tmp/a.png")
	_, err = h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	before := h.waitStage(t, models.StageUploaded)

	st, err = h.ctrl.SelectImage(context.Background(), source.Request{Mode: source.ModeCamera})
	assert.True(t, source.IsCancelled(err))
	assert.Equal(t, before, st)
	assert.Equal(t, before, h.ctrl.State())
}

func TestController_PermissionDenied(t *testing.T) {
	h := newHarness(t, source.NewStaticPermissions(true, false))

	st, err := h.ctrl.SelectImage(context.Background(), source.Request{Mode: source.ModeCamera, URI: "file:///tmp/a.png"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePermissionDenied))
	assert.Equal(t, models.StageIdle, st.Stage)

	stages, _ := h.rec.snapshot()
	assert.Empty(t, stages)
}

func TestController_IllegalTransitions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctrl.StartUpload(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	_, err = h.ctrl.StartRecognition(ctx, RecognizeOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	_, err = h.ctrl.Retry(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Equal(t, models.StageIdle, h.ctrl.State().Stage)

	h.selectImage(t, "file:///tmp/a.png")
	_, err = h.ctrl.StartRecognition(ctx, RecognizeOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	h.store.gate = make(chan struct{})
	_, err = h.ctrl.StartUpload(ctx)
	require.NoError(t, err)
	st, err := h.ctrl.StartUpload(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Equal(t, models.StageUploading, st.Stage)
	close(h.store.gate)
	h.waitStage(t, models.StageUploaded)

	st, err = h.ctrl.StartUpload(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Equal(t, models.StageUploaded, st.Stage)
}

func TestController_StaleUploadIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.store.gate = make(chan struct{})
	h.store.ignoreCtx = true
	h.store.putStarted = make(chan struct{}, 1)
	h.store.resolved = make(chan string, 1)

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	<-h.store.putStarted

	st := h.selectImage(t, "file:///tmp/b.png")
	assert.Equal(t, uint64(2), st.Generation)

	close(h.store.gate)
	<-h.store.resolved

	assert.Never(t, func() bool {
		st := h.ctrl.State()
		return st.Stage != models.StageImageSelected || st.URL != "" || st.Image != "file:///tmp/b.png"
	}, 100*time.Millisecond, tick)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.fetcher.releases))
}

func TestController_StaleRecognitionIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	h.waitStage(t, models.StageUploaded)

	gate, done := make(chan struct{}), make(chan struct{})
	h.recognizer.mu.Lock()
	h.recognizer.gate, h.recognizer.done = gate, done
	h.recognizer.mu.Unlock()

	_, err = h.ctrl.StartRecognition(context.Background(), RecognizeOptions{})
	require.NoError(t, err)
	h.selectImage(t, "file:///tmp/b.png")

	close(gate)
	<-done

	assert.Never(t, func() bool {
		st := h.ctrl.State()
		return st.Stage != models.StageImageSelected || st.Result != nil
	}, 100*time.Millisecond, tick)

	runs, err := h.runs.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestController_RetryAfterUploadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.store.putErr = errors.New("503")

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	h.waitStage(t, models.StageError)

	st, err := h.ctrl.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageImageSelected, st.Stage)
	assert.Equal(t, models.ImageReference("file:///tmp/a.png"), st.Image)
	assert.Nil(t, st.Error)

	h.store.succeed()
	_, err = h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	st = h.waitStage(t, models.StageUploaded)
	assert.NotEmpty(t, st.URL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.fetcher.releases))
}

func TestController_RetryAfterRecognitionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.recognizer.set("", apperrors.NewParseError("OCR response has no text annotations", nil))

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	uploaded := h.waitStage(t, models.StageUploaded)

	_, err = h.ctrl.StartRecognition(context.Background(), RecognizeOptions{})
	require.NoError(t, err)
	st := h.waitStage(t, models.StageError)
	assert.Equal(t, models.StageRecognizing, st.FailedStage)
	assert.Equal(t, "parse", st.Error.Type)

	st, err = h.ctrl.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageUploaded, st.Stage)
	assert.Equal(t, uploaded.URL, st.URL)

	h.recognizer.set("HELLO", nil)
	_, err = h.ctrl.StartRecognition(context.Background(), RecognizeOptions{ExpectedText: "hello"})
	require.NoError(t, err)
	st = h.waitStage(t, models.StageRecognized)
	require.NotNil(t, st.Result.Accuracy)
	assert.Equal(t, 1.0, st.Result.Accuracy.MatchScore)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.fetcher.calls))
}

func TestController_NewSelectionClearsResult(t *testing.T) {
	h := newHarness(t, nil)

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)
	h.waitStage(t, models.StageUploaded)
	_, err = h.ctrl.StartRecognition(context.Background(), RecognizeOptions{})
	require.NoError(t, err)
	h.waitStage(t, models.StageRecognized)

	st := h.selectImage(t, "https://example.com/b.png")
	assert.Equal(t, models.StageImageSelected, st.Stage)
	assert.Empty(t, st.URL)
	assert.Nil(t, st.Result)
	assert.Empty(t, st.RunID)
}

func TestController_CloseStopsBackgroundWork(t *testing.T) {
	h := newHarness(t, nil)
	h.store.gate = make(chan struct{})

	h.selectImage(t, "file:///tmp/a.png")
	_, err := h.ctrl.StartUpload(context.Background())
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		h.ctrl.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}

	_, err = h.ctrl.SelectImage(context.Background(), source.Request{Mode: source.ModeLibrary, URI: "file:///tmp/b.png"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Equal(t, models.StageUploading, h.ctrl.State().Stage)
}
