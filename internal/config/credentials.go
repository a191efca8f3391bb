package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// CredentialSource serves the cluster credential from the configuration.
// With Watch an edited config file takes effect on the next operation.
//
// Only viper's watcher goroutine touches the viper instance after Watch; it
// decodes the cluster section and swaps it in under mu.
type CredentialSource struct {
	v *viper.Viper

	mu      sync.RWMutex
	cluster ClusterConfig
}

// CredentialSource returns a credential source seeded from this configuration.
func (c *Config) CredentialSource() *CredentialSource {
	return &CredentialSource{v: c.v, cluster: c.Cluster}
}

// Credential returns the current credential or domain.ErrNotConfigured.
func (s *CredentialSource) Credential(ctx context.Context) (*domain.Credential, error) {
	s.mu.RLock()
	cc := s.cluster
	s.mu.RUnlock()

	cred := &domain.Credential{
		Hostname:  cc.Hostname,
		Port:      cc.Port,
		Username:  cc.Username,
		Password:  cc.Password,
		VerifyTLS: cc.VerifyTLS,
	}
	if !cred.Usable() {
		return nil, domain.ErrNotConfigured
	}
	return cred, nil
}

// Watch reloads the cluster section when the config file changes. It is a
// no-op for a configuration that was not loaded from a file.
func (s *CredentialSource) Watch(logger *zap.Logger) {
	if s.v == nil || s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		// A full decode merges defaults into the cluster section.
		var next Config
		if err := s.v.Unmarshal(&next); err != nil {
			logger.Error("Failed to reload cluster credential", zap.String("file", e.Name), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.cluster = next.Cluster
		s.mu.Unlock()

		logger.Info("Configuration file changed, cluster credential reloaded",
			zap.String("file", e.Name),
		)
	})
	s.v.WatchConfig()
}
