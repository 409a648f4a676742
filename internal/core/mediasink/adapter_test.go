package mediasink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplayer/internal/core/domain"
)

type fakeSink struct {
	mu      sync.Mutex
	mime    string
	appends [][]byte
	removed []domain.BufferRange
}

func (f *fakeSink) SetMimeType(mime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mime = mime
	return nil
}

func (f *fakeSink) Append(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, data)
	return nil
}

func (f *fakeSink) Remove(start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, domain.BufferRange{Start: start, End: end})
	return nil
}

func (f *fakeSink) Abort() {}

func TestAdapter_AppendMediaRejectsWithoutInit(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, nil)
	defer a.Destroy()

	err := a.AppendMedia([]byte("data"))
	require.Error(t, err)
}

func TestAdapter_AppendInitThenMediaSucceeds(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, nil)
	defer a.Destroy()

	require.NoError(t, a.Initialize("video/mp4"))
	require.NoError(t, a.AppendInit(domain.InitSegment{Quality: "720p", Bytes: []byte("init")}))
	require.NoError(t, a.AppendMedia([]byte("seg0")))

	assert.Len(t, sink.appends, 2)
}

func TestAdapter_QualitySwitchPreservesTimelineOrigin(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, nil)
	defer a.Destroy()

	require.NoError(t, a.Initialize("video/mp4"))
	require.NoError(t, a.AppendInit(domain.InitSegment{Quality: "720p", Bytes: []byte("init720")}))
	a.RecordAppendedRange(0, 30)
	require.NoError(t, a.Seek(10))

	received := make(chan Event, 1)
	a.On("qualityChanged", func(e Event) { received <- e })

	require.NoError(t, a.SwitchQuality("1080p", domain.InitSegment{Quality: "1080p", Bytes: []byte("init1080")}))

	select {
	case e := <-received:
		assert.Equal(t, domain.QualityID("1080p"), e.Quality)
	default:
		t.Fatal("expected qualityChanged event")
	}

	// only bytes after currentTime+0.5s should have been removed
	require.Len(t, sink.removed, 1)
	assert.Equal(t, 10.5, sink.removed[0].Start)
	assert.Equal(t, 30.0, sink.removed[0].End)

	ranges := a.GetBufferedRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, 0.0, ranges[0].Start)
	assert.Equal(t, 10.5, ranges[0].End)
}

func TestAdapter_PlaybackStateTransitions(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, nil)
	defer a.Destroy()

	require.NoError(t, a.Play())
	assert.Equal(t, domain.PlaybackPlaying, a.PlaybackState())

	require.NoError(t, a.Pause())
	assert.Equal(t, domain.PlaybackPaused, a.PlaybackState())

	require.NoError(t, a.EndOfStream())
	assert.Equal(t, domain.PlaybackEnded, a.PlaybackState())

	// Pause after ended is a no-op per spec §4.3.
	require.NoError(t, a.Pause())
	assert.Equal(t, domain.PlaybackEnded, a.PlaybackState())
}
