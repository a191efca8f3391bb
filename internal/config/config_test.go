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
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Collector.Interval)
	assert.Equal(t, "@every 24h", cfg.Updates.CheckSchedule)
	assert.Equal(t, 5*time.Second, cfg.Drain.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Drain.MigrationTimeout)
	assert.Equal(t, []string{"local"}, cfg.Drain.LocalStoragePrefixes)
	assert.Equal(t, 8006, cfg.Cluster.Port)
	assert.Equal(t, "vmbr0", cfg.Cluster.ManagementInterface)
	assert.Equal(t, "/var/run/reboot-required", cfg.Updates.RebootMarker)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestCredentialSource(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cluster:\n  hostname: pve1.lab\n"))
	require.NoError(t, err)

	_, err = cfg.CredentialSource().Credential(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConfigured)

	cfg, err = Load(writeConfig(t, `cluster:
  hostname: pve1.lab
  username: root@pam
  password: secret
  verify_tls: true
`))
	require.NoError(t, err)

	cred, err := cfg.CredentialSource().Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pve1.lab:8006", cred.Endpoint())
	assert.Equal(t, "root", cred.ShellUsername())
	assert.True(t, cred.VerifyTLS)
}

func TestCredentialSource_ReloadsWhileReading(t *testing.T) {
	path := writeConfig(t, `cluster:
  hostname: pve1.lab
  username: root@pam
  password: old
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	src := cfg.CredentialSource()
	src.Watch(zap.NewNop())

	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = src.Credential(ctx)
				}
			}
		}()
	}

	require.NoError(t, os.WriteFile(path, []byte(`cluster:
  hostname: pve2.lab
  username: root@pam
  password: new
`), 0o600))

	assert.Eventually(t, func() bool {
		cred, err := src.Credential(ctx)
		return err == nil && cred.Password == "new" && cred.Hostname == "pve2.lab" && cred.Port == 8006
	}, 5*time.Second, 20*time.Millisecond)

	close(stop)
	wg.Wait()
}

func TestCredentialSource_WithoutFileDoesNotWatch(t *testing.T) {
	cfg := &Config{Cluster: ClusterConfig{Hostname: "pve1.lab", Port: 8006, Username: "root@pam", Password: "secret"}}
	src := cfg.CredentialSource()
	src.Watch(zap.NewNop())

	cred, err := src.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pve1.lab:8006", cred.Endpoint())
}
