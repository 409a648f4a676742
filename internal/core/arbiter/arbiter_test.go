package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
)

type fakeCache struct {
	mu    sync.Mutex
	items map[string]domain.CacheEntry
}

func newFakeCache() *fakeCache { return &fakeCache{items: make(map[string]domain.CacheEntry)} }

func (f *fakeCache) Set(key string, entry domain.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = entry
	return nil
}
func (f *fakeCache) Get(key string) (domain.CacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[key]
	return e, ok
}
func (f *fakeCache) Has(key string) bool { _, ok := f.Get(key); return ok }
func (f *fakeCache) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
}
func (f *fakeCache) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = make(map[string]domain.CacheEntry)
}
func (f *fakeCache) FindAtTime(domain.StreamID, domain.QualityID, float64) (domain.SegmentDescriptor, bool) {
	return domain.SegmentDescriptor{}, false
}
func (f *fakeCache) FindInRange(domain.StreamID, domain.QualityID, float64, float64) []domain.SegmentDescriptor {
	return nil
}
func (f *fakeCache) FindWindow(domain.StreamID, domain.QualityID, float64, int, int) []domain.SegmentDescriptor {
	return nil
}
func (f *fakeCache) IndexVariant(*domain.VariantPlaylist) {}
func (f *fakeCache) OnRemove(func(string))                {}

type fakePeerSource struct {
	peers       []*domain.PeerRecord
	fetchBytes  []byte
	fetchErr    error
	fetchCalled int32
	delay       time.Duration
}

func (f *fakePeerSource) BestPeersFor(string, int) []*domain.PeerRecord { return f.peers }
func (f *fakePeerSource) FetchFromPeer(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor) ([]byte, error) {
	atomic.AddInt32(&f.fetchCalled, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fetchBytes, f.fetchErr
}

type fakeOrigin struct {
	bytes       []byte
	err         error
	callCount   int32
	delay       time.Duration
}

func (f *fakeOrigin) FetchSegment(ctx context.Context, seg domain.SegmentDescriptor) ([]byte, error) {
	atomic.AddInt32(&f.callCount, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, apperrors.NewCancelledError("origin fetch cancelled")
		}
	}
	return f.bytes, f.err
}

type fakeReporter struct {
	mu       sync.Mutex
	reported []domain.FetchSource
}

func (f *fakeReporter) ReportSegment(movieID string, quality domain.QualityID, segmentID string, source domain.FetchSource, latencyMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, source)
}

type fakeConfigStore struct {
	snapshot ports.Config
}

func (f *fakeConfigStore) Snapshot() ports.Config                { return f.snapshot }
func (f *fakeConfigStore) Get(string) (interface{}, bool)        { return nil, false }
func (f *fakeConfigStore) Set(map[string]interface{}) error      { return nil }
func (f *fakeConfigStore) Merge(map[string]interface{}) error    { return nil }
func (f *fakeConfigStore) Reset()                                {}
func (f *fakeConfigStore) ExportJSON() ([]byte, error)           { return nil, nil }
func (f *fakeConfigStore) ImportJSON([]byte) error               { return nil }
func (f *fakeConfigStore) Subscribe(fn func(ports.Config)) func() { return func() {} }

type fakeMetrics struct {
	mu      sync.Mutex
	results []domain.FetchResult
}

func (f *fakeMetrics) RecordFetchResult(result domain.FetchResult, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func newTestArbiter(cache *fakeCache, peers *fakePeerSource, origin *fakeOrigin, reporter *fakeReporter) *Arbiter {
	cfg := &fakeConfigStore{snapshot: ports.Config{
		MaxConcurrentFetches: 4,
		CacheSegmentTTL:      time.Minute,
	}}
	return New(cache, peers, origin, reporter, cfg, nil)
}

func seg(id string) domain.SegmentDescriptor {
	return domain.SegmentDescriptor{Stream: "movie1", Quality: "720p", SegmentID: id}
}

func TestFetch_CacheHitReturnsImmediatelyWithZeroLatency(t *testing.T) {
	cache := newFakeCache()
	key := domain.SegmentKey("movie1", "720p", "seg_0000.m4s")
	cache.Set(key, domain.CacheEntry{Key: key, Bytes: []byte("cached")})

	origin := &fakeOrigin{}
	a := newTestArbiter(cache, &fakePeerSource{}, origin, &fakeReporter{})

	result, err := a.Fetch(context.Background(), seg("seg_0000.m4s"), ports.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCache, result.Source)
	assert.Equal(t, float64(0), result.LatencyMs)
	assert.Equal(t, int32(0), origin.callCount)
}

func TestFetch_PeerSucceedsBeforeOrigin(t *testing.T) {
	cache := newFakeCache()
	peers := &fakePeerSource{
		peers:      []*domain.PeerRecord{{ID: "peerA"}},
		fetchBytes: []byte("from-peer"),
	}
	origin := &fakeOrigin{bytes: []byte("from-origin")}
	reporter := &fakeReporter{}
	a := newTestArbiter(cache, peers, origin, reporter)

	result, err := a.Fetch(context.Background(), seg("seg_0001.m4s"), ports.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourcePeer, result.Source)
	assert.Equal(t, "from-peer", string(result.Bytes))
	assert.Equal(t, int32(0), origin.callCount)
	assert.Equal(t, []domain.FetchSource{domain.SourcePeer}, reporter.reported)

	_, cached := cache.Get(domain.SegmentKey("movie1", "720p", "seg_0001.m4s"))
	assert.True(t, cached)
}

func TestFetch_FallsThroughToOriginWhenPeerFails(t *testing.T) {
	cache := newFakeCache()
	peers := &fakePeerSource{
		peers:    []*domain.PeerRecord{{ID: "peerA"}},
		fetchErr: apperrors.NewTransientNetworkError(nil, "peer unreachable"),
	}
	origin := &fakeOrigin{bytes: []byte("from-origin")}
	a := newTestArbiter(cache, peers, origin, &fakeReporter{})

	result, err := a.Fetch(context.Background(), seg("seg_0002.m4s"), ports.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceServer, result.Source)
	assert.Equal(t, int32(1), origin.callCount)
}

func TestFetch_CriticalSkipsPeerLeg(t *testing.T) {
	cache := newFakeCache()
	peers := &fakePeerSource{
		peers:      []*domain.PeerRecord{{ID: "peerA"}},
		fetchBytes: []byte("from-peer"),
	}
	origin := &fakeOrigin{bytes: []byte("from-origin")}
	a := newTestArbiter(cache, peers, origin, &fakeReporter{})

	result, err := a.Fetch(context.Background(), seg("seg_0003.m4s"), ports.FetchOptions{Critical: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceServer, result.Source)
	assert.Equal(t, int32(0), peers.fetchCalled)
}

func TestFetch_DedupesConcurrentRequestsForSameSegment(t *testing.T) {
	cache := newFakeCache()
	origin := &fakeOrigin{bytes: []byte("shared"), delay: 50 * time.Millisecond}
	a := newTestArbiter(cache, &fakePeerSource{}, origin, &fakeReporter{})

	var wg sync.WaitGroup
	results := make([]domain.FetchResult, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := a.Fetch(context.Background(), seg("seg_shared.m4s"), ports.FetchOptions{})
			results[idx] = r
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", string(results[i].Bytes))
	}
	assert.Equal(t, int32(1), origin.callCount, "only one origin request should have been issued for the same segment")
}

func TestFetch_RecordsMetricsWhenAttached(t *testing.T) {
	cache := newFakeCache()
	origin := &fakeOrigin{bytes: []byte("from-origin")}
	a := newTestArbiter(cache, &fakePeerSource{}, origin, &fakeReporter{})
	metrics := &fakeMetrics{}
	a.WithMetrics(metrics)

	_, err := a.Fetch(context.Background(), seg("seg_metrics.m4s"), ports.FetchOptions{})
	require.NoError(t, err)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Len(t, metrics.results, 1)
	assert.Equal(t, domain.SourceServer, metrics.results[0].Source)
}

func TestCancel_AbortsOutstandingOriginFetch(t *testing.T) {
	cache := newFakeCache()
	origin := &fakeOrigin{bytes: []byte("too-late"), delay: 2 * time.Second}
	a := newTestArbiter(cache, &fakePeerSource{}, origin, &fakeReporter{})

	done := make(chan error, 1)
	go func() {
		_, err := a.Fetch(context.Background(), seg("seg_cancel.m4s"), ports.FetchOptions{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Cancel("720p", "seg_cancel.m4s")

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("fetch was not cancelled in time")
	}
}
