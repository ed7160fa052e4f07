package stepsession

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	goble "github.com/srg/stepble/internal/device/go-ble"
	"github.com/srg/stepble/pkg/config"
)

// StackFactory opens the platform BLE stack for the shared manager.
// Tests replace it with a fake stack.
var StackFactory = func(logger *logrus.Logger) (device.Stack, error) {
	return goble.NewStack(logger)
}

var (
	sharedMu     sync.Mutex
	shared       *Manager
	sharedConfig *config.Config
)

// Configure sets the configuration used when the shared manager is first
// created. It fails once the shared manager exists.
func Configure(cfg *config.Config) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return fmt.Errorf("stepsession: shared manager already initialized; call Teardown first")
	}
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("stepsession: invalid configuration: %w", err)
		}
	}
	sharedConfig = cfg
	return nil
}

// Shared returns the process-wide manager, creating it on first use from the
// configured (or default) configuration and StackFactory. A failed creation
// is not cached, so a later call retries.
func Shared() (*Manager, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}

	cfg := sharedConfig
	if cfg == nil {
		cfg = config.Default()
	}
	logger := cfg.NewLogger()

	stack, err := StackFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("stepsession: opening BLE stack: %w", err)
	}
	m, err := New(cfg, stack, logger)
	if err != nil {
		return nil, err
	}
	shared = m
	return shared, nil
}

// Teardown disconnects and discards the shared manager. The next Shared call
// builds a fresh one. No-op when nothing was created.
func Teardown() {
	sharedMu.Lock()
	m := shared
	shared = nil
	sharedMu.Unlock()

	if m != nil {
		m.Close()
	}
}
