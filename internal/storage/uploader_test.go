package storage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

type fakeStore struct {
	mu         sync.Mutex
	steps      []int64
	putErr     error
	resolveErr error
	blockPut   bool
	objects    map[string][]byte
}

func (f *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string, progress func(int64)) error {
	for _, n := range f.steps {
		progress(n)
	}
	if f.blockPut {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) ResolveURL(ctx context.Context, key string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "https://store/" + key, nil
}

type observedEvent struct {
	UploadEvent
	releasedAtDelivery bool
}

// trackedPayload returns a 100 byte payload and a counter of its releases.
func trackedPayload() (*models.Payload, *int32) {
	var releases int32
	p := models.NewPayload(make([]byte, 100), "image/png")
	p.OnRelease(func() { atomic.AddInt32(&releases, 1) })
	return p, &releases
}

func collect(task *UploadTask, payload *models.Payload) []observedEvent {
	var events []observedEvent
	for ev := range task.Events() {
		events = append(events, observedEvent{UploadEvent: ev, releasedAtDelivery: payload.Released()})
	}
	return events
}

func fractions(events []observedEvent) []float64 {
	var out []float64
	for _, ev := range events {
		if ev.Type == UploadProgress {
			out = append(out, ev.Fraction)
		}
	}
	return out
}

func TestUploader_Success(t *testing.T) {
	store := &fakeStore{steps: []int64{25, 50, 75}}
	payload, releases := trackedPayload()

	task := NewUploader(store, time.Second).Upload(context.Background(), payload, "2024-01-01T00:00:00.000Z")
	events := collect(task, payload)

	require.NotEmpty(t, events)
	assert.Equal(t, UploadStarted, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, UploadCompleted, last.Type)
	assert.Equal(t, models.RemoteURL("https://store/2024-01-01T00:00:00.000Z"), last.URL)
	assert.True(t, last.releasedAtDelivery, "payload must be released before Completed")
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, fractions(events))

	url, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, last.URL, url)
	assert.Equal(t, int32(1), atomic.LoadInt32(releases))
	assert.Len(t, store.objects["2024-01-01T00:00:00.000Z"], 100)
}

func TestUploader_FailureAfterProgress(t *testing.T) {
	store := &fakeStore{steps: []int64{50}, putErr: errors.New("connection reset")}
	payload, releases := trackedPayload()

	task := NewUploader(store, time.Second).Upload(context.Background(), payload, "k")
	events := collect(task, payload)

	require.Len(t, events, 3)
	assert.Equal(t, UploadStarted, events[0].Type)
	assert.Equal(t, UploadProgress, events[1].Type)
	assert.Equal(t, 0.5, events[1].Fraction)
	assert.Equal(t, UploadFailed, events[2].Type)
	assert.True(t, events[2].releasedAtDelivery, "payload must be released before Failed")
	assert.True(t, apperrors.IsType(events[2].Err, apperrors.ErrorTypeUpload))

	url, err := task.Wait()
	assert.Empty(t, url)
	assert.ErrorIs(t, err, store.putErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(releases))
}

func TestUploader_ResolveFailureReleasesOnce(t *testing.T) {
	store := &fakeStore{resolveErr: errors.New("forbidden")}
	payload, releases := trackedPayload()

	task := NewUploader(store, time.Second).Upload(context.Background(), payload, "k")
	events := collect(task, payload)

	last := events[len(events)-1]
	assert.Equal(t, UploadFailed, last.Type)
	assert.Contains(t, last.Err.Error(), "failed to resolve download URL")
	assert.Equal(t, int32(1), atomic.LoadInt32(releases))
}

func TestUploader_EmptyURL(t *testing.T) {
	payload, _ := trackedPayload()

	uploader := NewUploader(&emptyURLStore{fakeStore: &fakeStore{}}, time.Second)
	_, err := uploader.Upload(context.Background(), payload, "k").Wait()
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUpload))
}

type emptyURLStore struct {
	*fakeStore
}

func (e *emptyURLStore) ResolveURL(ctx context.Context, key string) (string, error) {
	return "", nil
}

func TestUploader_ProgressNeverGoesBackwards(t *testing.T) {
	store := &fakeStore{steps: []int64{60, 30, 60, 90, 20}}
	payload, _ := trackedPayload()

	events := collect(NewUploader(store, time.Second).Upload(context.Background(), payload, "k"), payload)
	assert.Equal(t, []float64{0.6, 0.9, 1}, fractions(events))
}

func TestUploader_Timeout(t *testing.T) {
	store := &fakeStore{blockPut: true}
	payload, releases := trackedPayload()

	_, err := NewUploader(store, 20*time.Millisecond).Upload(context.Background(), payload, "k").Wait()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(releases))
}

func TestUploader_AlreadyReleasedPayload(t *testing.T) {
	store := &fakeStore{}
	payload, releases := trackedPayload()
	require.NoError(t, payload.Release())

	task := NewUploader(store, time.Second).Upload(context.Background(), payload, "k")
	events := collect(task, payload)

	last := events[len(events)-1]
	assert.Equal(t, UploadFailed, last.Type)
	assert.ErrorIs(t, last.Err, models.ErrPayloadReleased)
	assert.Equal(t, int32(1), atomic.LoadInt32(releases))
	assert.Empty(t, store.objects)
}

func TestUploader_WaitWithoutDraining(t *testing.T) {
	steps := make([]int64, 100)
	for i := range steps {
		steps[i] = int64(i + 1)
	}
	store := &fakeStore{steps: steps}
	payload, _ := trackedPayload()

	task := NewUploader(store, time.Second).Upload(context.Background(), payload, "k")
	_, err := task.Wait()
	require.NoError(t, err)

	events := collect(task, payload)
	assert.Equal(t, UploadStarted, events[0].Type)
	assert.Equal(t, UploadCompleted, events[len(events)-1].Type)
	assert.LessOrEqual(t, len(events), eventBuffer)
}

// Every run, whatever the backend reports, yields Started, non-decreasing
// fractions in [0,1] and exactly one terminal event at the end.
func TestUploader_EventSequenceInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		steps := make([]int64, rng.Intn(40))
		for j := range steps {
			steps[j] = rng.Int63n(130)
		}
		store := &fakeStore{steps: steps}
		if rng.Intn(3) == 0 {
			store.putErr = errors.New("boom")
		}
		payload, releases := trackedPayload()

		events := collect(NewUploader(store, time.Second).Upload(context.Background(), payload, "k"), payload)

		require.GreaterOrEqual(t, len(events), 2)
		assert.Equal(t, UploadStarted, events[0].Type)
		prev := 0.0
		for j, ev := range events[1:] {
			if j == len(events)-2 {
				assert.True(t, ev.Terminal())
				assert.True(t, ev.releasedAtDelivery)
				break
			}
			require.Equal(t, UploadProgress, ev.Type)
			assert.GreaterOrEqual(t, ev.Fraction, prev)
			assert.LessOrEqual(t, ev.Fraction, 1.0)
			prev = ev.Fraction
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(releases))
	}
}
