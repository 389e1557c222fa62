// Package orchestrator owns the set of running cloud servers: it assigns
// ports, builds each cloud's auth guard and debug stream, and starts, stops
// and reloads instances against the registry.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/cloudhost/internal/auth"
	"github.com/gosuda/cloudhost/internal/cloudserver"
	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/registry"
	redisstore "github.com/gosuda/cloudhost/internal/store/redis"
)

const (
	defaultBasePort = 3000
	forwardBuffer   = 256
	publishTimeout  = 5 * time.Second
)

// LogPublisher abstracts the Redis pub/sub publish operation.
type LogPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Options configures an Orchestrator.
type Options struct {
	BasePort    int
	Host        string
	TokenTTL    time.Duration
	HistorySize int
	// Server is the template for every instance. Host and Port are set per
	// instance.
	Server cloudserver.Options
	// Publisher, when non-nil, receives every instance's debug entries and
	// lifecycle events.
	Publisher LogPublisher
}

// InstanceInfo describes one running cloud.
type InstanceInfo struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	URL   string `json:"url"`
	State string `json:"state"`
}

type running struct {
	inst        *cloudserver.Instance
	stopForward func()
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	registry *registry.Registry
	opts     Options

	mu        sync.Mutex
	ports     *portAllocator
	instances map[string]*running
}

func New(reg *registry.Registry, opts Options) *Orchestrator {
	if opts.BasePort <= 0 {
		opts.BasePort = defaultBasePort
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = auth.DefaultTokenTTL
	}
	return &Orchestrator{
		registry:  reg,
		opts:      opts,
		ports:     newPortAllocator(opts.BasePort),
		instances: make(map[string]*running),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the named cloud on the next free port and returns it. It
// returns once the server is listening or has failed to.
func (o *Orchestrator) Start(ctx context.Context, name string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.instances[name]; ok {
		return 0, fmt.Errorf("orchestrator.Start(%q): %w", name, domain.ErrAlreadyRunning)
	}

	c, err := o.registry.Cloud(name)
	if err != nil {
		return 0, fmt.Errorf("orchestrator.Start: %w", err)
	}
	if !c.HasPassword() {
		return 0, fmt.Errorf("orchestrator.Start(%q): %w: cloud has no password", name, domain.ErrValidation)
	}
	if len(c.Folders) == 0 {
		return 0, fmt.Errorf("orchestrator.Start(%q): %w: cloud has no folders", name, domain.ErrValidation)
	}

	port, err := o.ports.Next()
	if err != nil {
		return 0, fmt.Errorf("orchestrator.Start(%q): %w", name, err)
	}

	guard := auth.NewGuard(c.Name, c.JWTSecret, c.PasswordHash, c.ChangedAt(), auth.WithTTL(o.opts.TokenTTL))
	stream := debuglog.New(o.opts.HistorySize, log.With().Str("cloud", name).Logger())

	srvOpts := o.opts.Server
	srvOpts.Host = o.opts.Host
	srvOpts.Port = port
	inst := cloudserver.New(c, guard, stream, srvOpts)

	r := &running{inst: inst}
	if o.opts.Publisher != nil {
		r.stopForward = o.forward(name, stream)
	}

	if err := inst.Start(ctx); err != nil {
		_ = inst.Stop(ctx)
		o.release(r)
		if errors.Is(err, domain.ErrValidation) {
			o.ports.Rollback(port)
		}
		log.Warn().Err(err).Str("cloud", name).Int("port", port).Msg("cloud failed to start")
		return 0, fmt.Errorf("orchestrator.Start: %w", err)
	}

	o.instances[name] = r
	log.Info().Str("cloud", name).Int("port", port).Msg("cloud started")
	o.publishLifecycle(name, "cloud_started", port)
	return inst.Port(), nil
}

// Stop shuts the named cloud down and waits until its server has exited.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	o.mu.Lock()
	r, ok := o.instances[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator.Stop(%q): %w", name, domain.ErrNotRunning)
	}
	delete(o.instances, name)
	o.mu.Unlock()

	if err := o.drain(ctx, name, r); err != nil {
		return fmt.Errorf("orchestrator.Stop: %w", err)
	}
	return nil
}

// StopAll stops every running cloud concurrently. Once their listeners are
// released, port allocation is reset to the base port unless a cloud was
// started in the meantime. Failures are logged.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	all := o.instances
	o.instances = make(map[string]*running)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for name, r := range all {
		wg.Go(func() {
			if err := o.drain(ctx, name, r); err != nil {
				log.Warn().Err(err).Str("cloud", name).Msg("orchestrator.StopAll: stop failed")
			}
		})
	}
	wg.Wait()

	o.mu.Lock()
	if len(o.instances) == 0 {
		o.ports.Reset()
	}
	o.mu.Unlock()

	if len(all) > 0 {
		log.Info().Int("count", len(all)).Msg("all clouds stopped")
	}
}

// ReloadConfig re-reads the registry from storage. Running clouds that no
// longer exist are stopped; the rest are restarted with their new
// definition. Only a storage failure is returned.
func (o *Orchestrator) ReloadConfig(ctx context.Context) error {
	if err := o.registry.Reload(ctx); err != nil {
		return fmt.Errorf("orchestrator.ReloadConfig: %w", err)
	}

	for _, name := range o.runningNames() {
		if err := o.Stop(ctx, name); err != nil && !errors.Is(err, domain.ErrNotRunning) {
			log.Warn().Err(err).Str("cloud", name).Msg("orchestrator.ReloadConfig: stop failed")
		}

		if _, err := o.registry.Cloud(name); err != nil {
			log.Info().Str("cloud", name).Msg("cloud removed from configuration, left stopped")
			continue
		}

		if _, err := o.Start(ctx, name); err != nil {
			log.Warn().Err(err).Str("cloud", name).Msg("orchestrator.ReloadConfig: restart failed")
		}
	}

	log.Info().Msg("configuration reloaded")
	return nil
}

func (o *Orchestrator) drain(ctx context.Context, name string, r *running) error {
	port := r.inst.Port()
	err := r.inst.Stop(ctx)
	o.release(r)

	log.Info().Str("cloud", name).Int("port", port).Msg("cloud stopped")
	o.publishLifecycle(name, "cloud_stopped", port)
	return err
}

func (o *Orchestrator) release(r *running) {
	r.inst.Stream().Close()
	if r.stopForward != nil {
		r.stopForward()
	}
}

func (o *Orchestrator) runningNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Sorted(maps.Keys(o.instances))
}

func (o *Orchestrator) lookup(name string) (*cloudserver.Instance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.instances[name]
	if !ok {
		return nil, false
	}
	return r.inst, true
}

// ---------------------------------------------------------------------------
// Registry passthroughs
// ---------------------------------------------------------------------------

func (o *Orchestrator) Folders() []domain.Folder { return o.registry.Folders() }

func (o *Orchestrator) Folder(name string) (domain.Folder, error) { return o.registry.Folder(name) }

func (o *Orchestrator) AddFolder(ctx context.Context, f domain.Folder) error {
	return o.registry.AddFolder(ctx, f)
}

func (o *Orchestrator) RemoveFolder(ctx context.Context, name string) error {
	return o.registry.RemoveFolder(ctx, name)
}

func (o *Orchestrator) UpdateFolder(ctx context.Context, oldName string, f domain.Folder) error {
	return o.registry.UpdateFolder(ctx, oldName, f)
}

func (o *Orchestrator) Clouds() []domain.Cloud { return o.registry.Clouds() }

func (o *Orchestrator) Cloud(name string) (domain.Cloud, error) { return o.registry.Cloud(name) }

func (o *Orchestrator) AddCloud(ctx context.Context, c domain.Cloud) error {
	return o.registry.AddCloud(ctx, c)
}

func (o *Orchestrator) RemoveCloud(ctx context.Context, name string) error {
	return o.registry.RemoveCloud(ctx, name)
}

func (o *Orchestrator) UpdateCloud(ctx context.Context, oldName string, c domain.Cloud) error {
	return o.registry.UpdateCloud(ctx, oldName, c)
}

// CreateCloud defines a new cloud sharing the named folders. The folders
// are copied from the registry at call time. A non-empty password is set
// before the cloud is stored.
func (o *Orchestrator) CreateCloud(ctx context.Context, name string, folderNames []string, password string) (domain.Cloud, error) {
	folders, err := o.resolveFolders(folderNames)
	if err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.CreateCloud: %w", err)
	}

	c, err := domain.NewCloud(name, folders)
	if err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.CreateCloud: %w", err)
	}
	if password != "" {
		if err := c.SetPassword(password, time.Now()); err != nil {
			return domain.Cloud{}, fmt.Errorf("orchestrator.CreateCloud: %w", err)
		}
	}

	if err := o.registry.AddCloud(ctx, c); err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.CreateCloud: %w", err)
	}
	return c.Clone(), nil
}

// EditCloud renames a cloud and replaces its folder set, keeping its
// secret and password. A running instance keeps serving the old definition
// until it is restarted.
func (o *Orchestrator) EditCloud(ctx context.Context, oldName, newName string, folderNames []string) (domain.Cloud, error) {
	c, err := o.registry.Cloud(oldName)
	if err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.EditCloud: %w", err)
	}
	folders, err := o.resolveFolders(folderNames)
	if err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.EditCloud: %w", err)
	}

	c.Name = newName
	c.Folders = folders
	if err := o.registry.UpdateCloud(ctx, oldName, c); err != nil {
		return domain.Cloud{}, fmt.Errorf("orchestrator.EditCloud: %w", err)
	}
	return c, nil
}

func (o *Orchestrator) resolveFolders(names []string) ([]domain.Folder, error) {
	folders := make([]domain.Folder, 0, len(names))
	for _, n := range names {
		f, err := o.registry.Folder(n)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// SetPassword stores a new password. If the cloud is running, the live
// guard picks it up immediately so tokens issued earlier stop working.
func (o *Orchestrator) SetPassword(ctx context.Context, name, password string) error {
	c, err := o.registry.SetCloudPassword(ctx, name, password)
	if err != nil && c.Name == "" {
		return fmt.Errorf("orchestrator.SetPassword: %w", err)
	}

	if inst, ok := o.lookup(name); ok {
		inst.Guard().UpdateCredentials(c.PasswordHash, c.ChangedAt())
		inst.Stream().Info("auth", "password changed, existing sessions revoked")
	}

	if err != nil {
		return fmt.Errorf("orchestrator.SetPassword: %w", err)
	}
	return nil
}

// VerifyPassword checks password against the cloud's current hash.
func (o *Orchestrator) VerifyPassword(name, password string) bool {
	if inst, ok := o.lookup(name); ok {
		return inst.Guard().VerifyPassword(password)
	}
	c, err := o.registry.Cloud(name)
	if err != nil {
		return false
	}
	return auth.NewGuard(c.Name, c.JWTSecret, c.PasswordHash, c.ChangedAt()).VerifyPassword(password)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (o *Orchestrator) IsRunning(name string) bool {
	_, ok := o.lookup(name)
	return ok
}

func (o *Orchestrator) IsAnyRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.instances) > 0
}

// Port returns the port the named cloud is listening on.
func (o *Orchestrator) Port(name string) (int, bool) {
	inst, ok := o.lookup(name)
	if !ok {
		return 0, false
	}
	return inst.Port(), true
}

// ServerURL returns the browsable base URL of the named cloud.
func (o *Orchestrator) ServerURL(name string) (string, bool) {
	inst, ok := o.lookup(name)
	if !ok {
		return "", false
	}
	return inst.URL(), true
}

// Running maps each running cloud to its port.
func (o *Orchestrator) Running() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.instances))
	for name, r := range o.instances {
		out[name] = r.inst.Port()
	}
	return out
}

// Instances describes every running cloud, sorted by name.
func (o *Orchestrator) Instances() []InstanceInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]InstanceInfo, 0, len(o.instances))
	for _, name := range slices.Sorted(maps.Keys(o.instances)) {
		inst := o.instances[name].inst
		out = append(out, InstanceInfo{
			Name:  name,
			Port:  inst.Port(),
			URL:   inst.URL(),
			State: inst.State().String(),
		})
	}
	return out
}

// DebugLogs returns the named cloud's debug history, or nil if it is not
// running.
func (o *Orchestrator) DebugLogs(name string) []debuglog.Entry {
	inst, ok := o.lookup(name)
	if !ok {
		return nil
	}
	return inst.Stream().History()
}

// SubscribeLogs returns live debug entries for a running cloud. The
// channel is closed when the cloud stops or cancel is called.
func (o *Orchestrator) SubscribeLogs(name string, buffer int) (<-chan debuglog.Entry, func(), error) {
	inst, ok := o.lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("orchestrator.SubscribeLogs(%q): %w", name, domain.ErrNotRunning)
	}
	ch, cancel := inst.Stream().Subscribe(buffer)
	return ch, cancel, nil
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// forward copies stream entries to the cloud's Redis channel. The returned
// func waits for the forwarder to exit; the stream must be closed first.
func (o *Orchestrator) forward(name string, stream *debuglog.Stream) func() {
	entries, cancel := stream.Subscribe(forwardBuffer)
	channel := redisstore.LogChannel(name)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entries {
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			ctx, cancelPub := context.WithTimeout(context.Background(), publishTimeout)
			if pubErr := o.opts.Publisher.Publish(ctx, channel, payload); pubErr != nil {
				log.Debug().Err(pubErr).Str("channel", channel).Msg("orchestrator: failed to forward log entry")
			}
			cancelPub()
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) publishLifecycle(name, event string, port int) {
	if o.opts.Publisher == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":      event,
		"cloud":     name,
		"port":      port,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}

	channel := redisstore.LifecycleChannel()
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if pubErr := o.opts.Publisher.Publish(ctx, channel, payload); pubErr != nil {
		log.Error().Err(pubErr).Str("channel", channel).Msg("orchestrator: failed to publish lifecycle event")
	}
}
