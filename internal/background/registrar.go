package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Permissions is what the host allows the worker to do
type Permissions interface {
	RequestNotificationPermission(ctx context.Context) (bool, error)
	PeriodicExecutionGranted(ctx context.Context) (bool, error)
}

// StaticPermissions answers from configuration
type StaticPermissions struct {
	Notifications bool
	Periodic      bool
}

func (p StaticPermissions) RequestNotificationPermission(context.Context) (bool, error) {
	return p.Notifications, nil
}

func (p StaticPermissions) PeriodicExecutionGranted(context.Context) (bool, error) {
	return p.Periodic, nil
}

// Registrar performs the registration lifecycle; every method is safe to call repeatedly
type Registrar struct {
	perms     Permissions
	scheduler *Scheduler
	interval  time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	asked     bool
	permitted bool
}

// NewRegistrar creates a registrar for the periodic balance update
func NewRegistrar(perms Permissions, scheduler *Scheduler, interval time.Duration, logger *zap.Logger) *Registrar {
	return &Registrar{
		perms:     perms,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
	}
}

// NotificationsPermitted requests notification permission on the first call and
// returns the remembered answer afterwards
func (r *Registrar) NotificationsPermitted(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.asked {
		return r.permitted, nil
	}

	granted, err := r.perms.RequestNotificationPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to request notification permission: %w", err)
	}
	r.asked = true
	r.permitted = granted
	return granted, nil
}

// RegisterPeriodic registers the periodic update when the host grants periodic execution.
// It reports whether the task is registered.
func (r *Registrar) RegisterPeriodic(ctx context.Context) (bool, error) {
	if r.scheduler.Registered(PeriodicTag) {
		return true, nil
	}

	granted, err := r.perms.PeriodicExecutionGranted(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query periodic execution permission: %w", err)
	}
	if !granted {
		r.logger.Info("periodic execution not granted, skipping registration")
		return false, nil
	}

	if _, err := r.scheduler.Register(PeriodicTag, r.interval); err != nil {
		return false, fmt.Errorf("failed to register periodic task: %w", err)
	}
	return true, nil
}
