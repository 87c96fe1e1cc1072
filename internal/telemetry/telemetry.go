package telemetry

import (
	"github.com/posthog/posthog-go"
)

// Event names emitted by the provisioning orchestrator.
const (
	EventRoleCreated      = "role_created"
	EventRoleCreateFailed = "role_create_failed"
	EventRoleDeleted      = "role_deleted"
	EventAppVMAdded       = "app_vm_added"
	EventDispLaunched     = "disposable_launched"
)

// Service defines the interface for telemetry operations.
type Service interface {
	Track(hostID, event string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(hostID, event string, properties map[string]any) {}
func (s *NoopService) Close()                                                {}

type posthogService struct {
	client posthog.Client
}

// New creates a new telemetry service. Returns NoopService if apiKey is empty.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return &NoopService{}
	}

	var cfg posthog.Config
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}

	client, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return &NoopService{}
	}

	return &posthogService{client: client}
}

func (s *posthogService) Track(hostID, event string, properties map[string]any) {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}

	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: hostID,
		Event:      event,
		Properties: props,
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
