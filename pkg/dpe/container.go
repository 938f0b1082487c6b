package dpe

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/transport"
)

// Container groups the services of a node under a name.
type Container struct {
	name        string
	shortName   string
	description string
	poolSize    int
	env         *runtimeEnv
	logger      *zap.Logger
	startedAt   time.Time

	mu       sync.RWMutex
	services map[string]*Service

	halted   atomic.Bool
	stopOnce sync.Once
}

func newContainer(env *runtimeEnv, shortName string, poolSize int, description string) *Container {
	name := ContainerName(env.node, shortName)
	return &Container{
		name:        name,
		shortName:   shortName,
		description: description,
		poolSize:    poolSize,
		env:         env,
		logger:      env.logger.With(zap.String("container", name)),
		startedAt:   time.Now(),
		services:    make(map[string]*Service),
	}
}

// Name returns the canonical name.
func (c *Container) Name() string { return c.name }

// ShortName returns the name given at creation.
func (c *Container) ShortName() string { return c.shortName }

// PoolSize returns the default pool size for services of this container.
func (c *Container) PoolSize() int { return c.poolSize }

func (c *Container) start(ctx context.Context) {
	c.env.register(ctx, c.name, transport.KindContainer, c.description)
	c.logger.Info("Container started")
}

// AddService creates and starts the service described by id. A second service with
// the same name is rejected and the running one is kept. If the service fails to
// start it is removed again and the cause returned.
func (c *Container) AddService(ctx context.Context, id ServiceIdentity) (*Service, error) {
	if err := validName("engine", id.EngineName); err != nil {
		return nil, sdkerrors.NewCommandError(err.Error(), sdkerrors.ErrInvalidCommand)
	}
	id.ContainerName = c.shortName
	if id.PoolSize <= 0 {
		id.PoolSize = c.poolSize
	}
	svc := newService(id, c.env)

	c.mu.Lock()
	if c.halted.Load() {
		c.mu.Unlock()
		return nil, sdkerrors.NewCommandError("container "+c.name+" is stopped", sdkerrors.ErrContainerNotFound)
	}
	if _, exists := c.services[svc.name]; exists {
		c.mu.Unlock()
		c.logger.Warn("Service already exists, request rejected", zap.String("service", svc.name))
		return nil, sdkerrors.NewCommandError("service "+svc.name+" already exists", sdkerrors.ErrAlreadyExists)
	}
	c.services[svc.name] = svc
	c.mu.Unlock()

	if err := svc.start(ctx); err != nil {
		c.mu.Lock()
		delete(c.services, svc.name)
		c.mu.Unlock()
		c.logger.Error("Failed to start service", zap.String("service", svc.name), zap.Error(err))
		return nil, err
	}
	return svc, nil
}

// RemoveService stops and removes the service running engineName. It reports whether
// a service was removed.
func (c *Container) RemoveService(ctx context.Context, engineName string) (bool, error) {
	name := ServiceName(c.env.node, c.shortName, engineName)
	c.mu.Lock()
	svc, ok := c.services[name]
	if ok {
		delete(c.services, name)
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, svc.stop(ctx)
}

// Service returns the service running engineName.
func (c *Container) Service(engineName string) (*Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[ServiceName(c.env.node, c.shortName, engineName)]
	return svc, ok
}

// Services returns the services sorted by name.
func (c *Container) Services() []*Service {
	c.mu.RLock()
	out := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, svc)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (c *Container) stopped() bool { return c.halted.Load() }

// stop stops every service in parallel, withdraws the registration and tells the
// node the container is down.
func (c *Container) stop(ctx context.Context) {
	c.stopOnce.Do(func() { c.shutdown(ctx) })
}

func (c *Container) shutdown(ctx context.Context) {
	c.mu.Lock()
	c.halted.Store(true)
	services := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	c.services = make(map[string]*Service)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			if err := svc.stop(ctx); err != nil {
				c.logger.Warn("Service stopped uncleanly", zap.String("service", svc.name), zap.Error(err))
			}
		}(svc)
	}
	wg.Wait()

	c.env.deregister(ctx, c.name)
	down := message.NewCommand(c.env.node, CmdContainerDown, c.shortName)
	if err := c.env.transport.Send(ctx, down); err != nil {
		c.logger.Debug("Container down notification not sent", zap.Error(err))
	}
	c.logger.Info("Container stopped")
}
