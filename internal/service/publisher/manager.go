package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/models"
)

// Manager is the adapter registry. Adapters are registered once at process
// start; per-platform configuration is attached separately so a platform can
// be disabled without unregistering it.
type Manager struct {
	publishers map[string]Publisher
	logger     *zap.Logger
	configs    map[string]PublishConfig
}

func NewPublishManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]Publisher),
		logger:     logger,
		configs:    make(map[string]PublishConfig),
	}
}

func (m *Manager) RegisterPublisher(publisher Publisher) error {
	platformName := publisher.GetPlatformName()
	if _, exists := m.publishers[platformName]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platformName)
	}

	m.publishers[platformName] = publisher
	m.logger.Info("Publisher registered", zap.String("platform", platformName))
	return nil
}

func (m *Manager) GetPublisher(platformName string) (Publisher, error) {
	publisher, exists := m.publishers[platformName]
	if !exists {
		return nil, fmt.Errorf("publisher for platform %s not found", platformName)
	}
	return publisher, nil
}

func (m *Manager) GetAvailablePlatforms() []string {
	var platforms []string
	for name := range m.publishers {
		platforms = append(platforms, name)
	}
	return platforms
}

func (m *Manager) SetPlatformConfig(platformName string, config PublishConfig) {
	m.configs[platformName] = config
}

func (m *Manager) GetPlatformConfig(platformName string) (PublishConfig, error) {
	config, exists := m.configs[platformName]
	if !exists {
		return PublishConfig{}, fmt.Errorf("config for platform %s not found", platformName)
	}
	return config, nil
}

// Publish runs one attempt against the named platform.
func (m *Manager) Publish(ctx context.Context, item *models.ContentItem, platformName string, creds Credentials) (*PublishResult, error) {
	publisher, err := m.GetPublisher(platformName)
	if err != nil {
		return nil, err
	}

	config, err := m.GetPlatformConfig(platformName)
	if err != nil {
		return nil, err
	}

	if !config.Enabled {
		return nil, fmt.Errorf("platform %s is disabled", platformName)
	}

	content := FromContentItem(item)

	result, err := publisher.Publish(ctx, *content, creds, config)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Publishing completed",
		zap.String("platform", platformName),
		zap.Uint("content_id", item.ID),
		zap.String("external_id", result.ExternalID))

	return result, nil
}
