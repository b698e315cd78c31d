package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vitals-live/internal/backlog"
	"vitals-live/internal/config"
	"vitals-live/internal/ingest"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

// fakeChannel 可编程的主通道测试替身
type fakeChannel struct {
	mu               sync.Mutex
	openErr          error
	publishErr       error
	openCalls        int
	publishCalls     int
	publishSuccesses int
	handler          func(payload []byte)
}

func (f *fakeChannel) Open(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeChannel) Publish(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if f.publishErr != nil {
		return f.publishErr
	}
	f.publishSuccesses++
	return nil
}

func (f *fakeChannel) Subscribe(handler func(payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) setErrs(openErr, publishErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = openErr
	f.publishErr = publishErr
}

func (f *fakeChannel) stats() (publishCalls, publishSuccesses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishCalls, f.publishSuccesses
}

// fakeUploader 可编程的 Ingestion API 测试替身
type fakeUploader struct {
	mu      sync.Mutex
	err     error
	batches []ingest.Batch
}

func (f *fakeUploader) Upload(_ context.Context, batch ingest.Batch) (*ingest.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, batch)
	return &ingest.UploadResponse{AcceptedCount: len(batch.Samples)}, nil
}

func (f *fakeUploader) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testConfig(reconnectInterval time.Duration) *config.Config {
	cfg := &config.Config{}
	cfg.Transport.AllowedTypes = []string{"heartRate", "steps"}
	cfg.Transport.FailureThreshold = 3
	cfg.Transport.ReconnectInterval = reconnectInterval
	cfg.Backlog.MaxBufferSize = 1000
	cfg.Backlog.MaxBufferDuration = 2 * time.Hour
	cfg.Backlog.SweepInterval = 15 * time.Minute
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, channel *fakeChannel, uploader *fakeUploader) *Manager {
	t.Helper()
	store := backlog.NewStore(cfg, storage.NewMemoryKV(), zap.NewNop())
	require.NoError(t, store.Initialize(context.Background()))
	return NewManager(cfg, channel, uploader, store, zap.NewNop())
}

func hrDelta(ts time.Time) models.LiveDelta {
	return models.LiveDelta{
		Type:      models.DataTypeHeartRate,
		Value:     72,
		Timestamp: ts,
		Source:    "watch",
	}
}

func TestManager_PublishPrimarySuccess(t *testing.T) {
	channel := &fakeChannel{}
	manager := newTestManager(t, testConfig(time.Hour), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	result := manager.Publish(ctx, hrDelta(time.Now()))
	assert.True(t, result.Success)
	assert.False(t, result.ViaFallback)
	assert.Equal(t, 1, result.Sent)

	_, successes := channel.stats()
	assert.Equal(t, 1, successes)
}

func TestManager_FourthPublishSkipsPrimaryAfterThreshold(t *testing.T) {
	channel := &fakeChannel{publishErr: errors.New("broker unreachable")}
	uploader := &fakeUploader{}
	manager := newTestManager(t, testConfig(time.Hour), channel, uploader)
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	// 前 3 次都尝试主通道并失败，同批次落到回退通道成功
	for i := 0; i < 3; i++ {
		result := manager.Publish(ctx, hrDelta(time.Now()))
		assert.True(t, result.Success)
		assert.True(t, result.ViaFallback)
	}
	assert.False(t, manager.PrimaryAvailable())

	calls, _ := channel.stats()
	require.Equal(t, 3, calls)

	// 第 4 次不再碰主通道，直接走回退
	result := manager.Publish(ctx, hrDelta(time.Now()))
	assert.True(t, result.Success)
	assert.True(t, result.ViaFallback)

	calls, _ = channel.stats()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 4, uploader.uploadCount())
}

func TestManager_ReconnectReplaysFailureQueueExactlyOnce(t *testing.T) {
	channel := &fakeChannel{
		publishErr: errors.New("broker unreachable"),
	}
	uploader := &fakeUploader{err: &ingest.UploadError{Code: ingest.ErrCodeServer, StatusCode: 503}}
	manager := newTestManager(t, testConfig(10*time.Millisecond), channel, uploader)
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	// 重连尝试在双通道都失败期间也必须失败
	channel.setErrs(errors.New("broker unreachable"), errors.New("broker unreachable"))

	for i := 0; i < 3; i++ {
		result := manager.Publish(ctx, hrDelta(time.Now()))
		assert.False(t, result.Success)
		assert.True(t, result.ViaFallback)
	}
	assert.False(t, manager.PrimaryAvailable())
	assert.Equal(t, 3, manager.FailureQueueLen())

	// 通道恢复：重连定时器应重建连接并整体回放失败队列
	channel.setErrs(nil, nil)

	require.Eventually(t, func() bool {
		return manager.PrimaryAvailable() && manager.FailureQueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// 每批恰好回放一次：3 个排队批次 → 3 次主通道成功发布
	require.Eventually(t, func() bool {
		_, successes := channel.stats()
		return successes == 3
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, successes := channel.stats()
	assert.Equal(t, 3, successes)
}

func TestManager_OfflineRoutesToBacklog(t *testing.T) {
	channel := &fakeChannel{}
	manager := newTestManager(t, testConfig(time.Hour), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	manager.SetOnline(ctx, false)
	result := manager.Publish(ctx, hrDelta(time.Now()))
	assert.True(t, result.Success)
	assert.True(t, result.Buffered)

	calls, _ := channel.stats()
	assert.Equal(t, 0, calls)
}

func TestManager_OnlineTransitionFlushesBacklog(t *testing.T) {
	channel := &fakeChannel{}
	manager := newTestManager(t, testConfig(time.Hour), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	manager.SetOnline(ctx, false)
	manager.Publish(ctx, hrDelta(time.Now()))
	manager.Publish(ctx, hrDelta(time.Now()))

	manager.SetOnline(ctx, true)

	require.Eventually(t, func() bool {
		_, successes := channel.stats()
		return successes > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_AllowListFiltersDisallowedTypes(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.Transport.AllowedTypes = []string{"heartRate"}
	channel := &fakeChannel{}
	store := backlog.NewStore(cfg, storage.NewMemoryKV(), zap.NewNop())
	require.NoError(t, store.Initialize(context.Background()))
	manager := NewManager(cfg, channel, &fakeUploader{}, store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	result := manager.Publish(ctx, models.LiveDelta{
		Type: models.DataTypeSteps, Value: 100, Timestamp: time.Now(), Source: "watch",
	})
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Sent)

	calls, _ := channel.stats()
	assert.Equal(t, 0, calls)
}

func TestManager_OpenFailureFallsBackWithoutRetry(t *testing.T) {
	channel := &fakeChannel{openErr: errors.New("connect refused")}
	uploader := &fakeUploader{}
	manager := newTestManager(t, testConfig(time.Hour), channel, uploader)
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	assert.False(t, manager.PrimaryAvailable())

	result := manager.Publish(ctx, hrDelta(time.Now()))
	assert.True(t, result.Success)
	assert.True(t, result.ViaFallback)
	assert.Equal(t, 1, uploader.uploadCount())
}

func TestManager_OpenFailureRecoversViaReconnect(t *testing.T) {
	channel := &fakeChannel{openErr: errors.New("connect refused")}
	manager := newTestManager(t, testConfig(10*time.Millisecond), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()
	require.False(t, manager.PrimaryAvailable())

	// 打开失败也必须启动重连定时器，broker 恢复后自动回到主通道
	channel.setErrs(nil, nil)
	require.Eventually(t, func() bool {
		return manager.PrimaryAvailable()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_NonRetryableUploadNotQueued(t *testing.T) {
	channel := &fakeChannel{openErr: errors.New("connect refused")}
	uploader := &fakeUploader{err: &ingest.UploadError{Code: ingest.ErrCodeMalformed, StatusCode: 400}}
	manager := newTestManager(t, testConfig(time.Hour), channel, uploader)
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	// 后端明确拒绝（400）：不进入失败队列重试
	result := manager.Publish(ctx, hrDelta(time.Now()))
	assert.False(t, result.Success)
	assert.Equal(t, ingest.ErrCodeMalformed, result.ErrorCode)
	assert.Equal(t, 0, manager.FailureQueueLen())

	// 瞬时失败（503）：进入失败队列等待回放
	uploader.setErr(&ingest.UploadError{Code: ingest.ErrCodeServer, StatusCode: 503})
	result = manager.Publish(ctx, hrDelta(time.Now()))
	assert.False(t, result.Success)
	assert.Equal(t, 1, manager.FailureQueueLen())
}

func TestManager_InboundMessagesSurfaceOnChannel(t *testing.T) {
	channel := &fakeChannel{}
	manager := newTestManager(t, testConfig(time.Hour), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	payload, err := models.EncodeDelta(hrDelta(time.Now()))
	require.NoError(t, err)
	channel.handler(payload)

	select {
	case deltas := <-manager.Messages():
		require.Len(t, deltas, 1)
		assert.Equal(t, models.DataTypeHeartRate, deltas[0].Type)
	case <-time.After(time.Second):
		t.Fatal("expected an inbound delta")
	}
}

func TestManager_MalformedInboundIsDropped(t *testing.T) {
	channel := &fakeChannel{}
	manager := newTestManager(t, testConfig(time.Hour), channel, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, manager.StartStreaming(ctx, "subject-1"))
	defer manager.StopStreaming()

	channel.handler([]byte(`{"kind":"bogus"}`))

	select {
	case <-manager.Messages():
		t.Fatal("malformed message must not surface")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_StopStreamingIsIdempotent(t *testing.T) {
	manager := newTestManager(t, testConfig(time.Hour), &fakeChannel{}, &fakeUploader{})
	require.NoError(t, manager.StartStreaming(context.Background(), "subject-1"))
	manager.StopStreaming()
	manager.StopStreaming()
	assert.False(t, manager.PrimaryAvailable())
}
