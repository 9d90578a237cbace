package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	unsetEnv(t, EnvUpstreamAPIKey, EnvUpstreamURL, EnvServerPort)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	const base = "upstream:\n  base_url: http://localhost:8000/v1\n"
	require.NoError(t, os.WriteFile(path, []byte(base), 0o644))

	var (
		mu      sync.Mutex
		configs []*Config
		errs    []error
	)
	w := NewWatcher(path, func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		configs = append(configs, c)
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// 等待监听建立后再写入，直到回调生效
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(base+"manual_approve:\n  enabled: true\n"), 0o644)
		mu.Lock()
		defer mu.Unlock()
		return len(configs) > 0
	}, 5*time.Second, 100*time.Millisecond)

	mu.Lock()
	assert.True(t, configs[len(configs)-1].ManualApprove.Enabled)
	mu.Unlock()

	// 无效内容只报告错误，不触发 onChange
	require.NoError(t, os.WriteFile(path, []byte("upstream: ["), 0o644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	// 同目录下的其他文件被忽略
	mu.Lock()
	before := len(configs)
	mu.Unlock()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(base), 0o644))
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, len(configs))
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
