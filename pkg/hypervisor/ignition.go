package hypervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/containerd/errdefs"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/store"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Manifest is the ignition list: the services the hypervisor is configured
// to manage, declared in YAML.
type Manifest struct {
	Services []types.ServiceConfig `yaml:"services"`
}

// LoadManifest reads and validates an ignition manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %v: %w", path, err, errdefs.ErrInvalidArgument)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// Validate checks name uniqueness and that dependencies reference declared
// services.
func (m *Manifest) Validate() error {
	names := make(map[string]bool, len(m.Services))
	for _, svc := range m.Services {
		if svc.Name == "" {
			return fmt.Errorf("service without a name: %w", errdefs.ErrInvalidArgument)
		}
		if names[svc.Name] {
			return fmt.Errorf("duplicate service %s: %w", svc.Name, errdefs.ErrInvalidArgument)
		}
		names[svc.Name] = true
	}
	for _, svc := range m.Services {
		for _, dep := range svc.Dependencies {
			if !names[dep] {
				return fmt.Errorf("service %s depends on undeclared %s: %w", svc.Name, dep, errdefs.ErrInvalidArgument)
			}
		}
	}
	if _, err := topoSort(m.Services); err != nil {
		return err
	}
	return nil
}

// topoSort orders services so dependencies start first, and rejects cycles.
func topoSort(services []types.ServiceConfig) ([]types.ServiceConfig, error) {
	byName := make(map[string]types.ServiceConfig, len(services))
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))

	for _, svc := range services {
		byName[svc.Name] = svc
		indegree[svc.Name] = len(svc.Dependencies)
		for _, dep := range svc.Dependencies {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	// Seed with declaration order to keep the sort stable.
	var queue []string
	for _, svc := range services {
		if indegree[svc.Name] == 0 {
			queue = append(queue, svc.Name)
		}
	}

	out := make([]types.ServiceConfig, 0, len(services))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, byName[name])
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(out) != len(services) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving %v: %w", cyclic, errdefs.ErrInvalidArgument)
	}
	return out, nil
}

// Ignitor applies an ignition manifest to the hypervisor and keeps it
// applied as the file changes on disk.
type Ignitor struct {
	h       *Hypervisor
	store   store.Store // nil disables manifest-state persistence
	path    string
	applied map[string]types.ServiceConfig
	logger  zerolog.Logger
}

// NewIgnitor creates an ignitor for the manifest at path.
func NewIgnitor(h *Hypervisor, s store.Store, path string) *Ignitor {
	return &Ignitor{
		h:       h,
		store:   s,
		path:    path,
		applied: make(map[string]types.ServiceConfig),
		logger:  log.WithComponent("ignition"),
	}
}

// Apply loads the manifest and reconciles the hypervisor against it: new
// services start in dependency order, removed services stop, changed
// services restart with the new config.
func (ig *Ignitor) Apply(ctx context.Context) error {
	manifest, err := LoadManifest(ig.path)
	if err != nil {
		return err
	}

	ordered, err := topoSort(manifest.Services)
	if err != nil {
		return err
	}

	desired := make(map[string]types.ServiceConfig, len(ordered))
	for _, svc := range ordered {
		desired[svc.Name] = svc
	}

	// Stop what the manifest no longer declares.
	for name := range ig.applied {
		if _, keep := desired[name]; keep {
			continue
		}
		ig.logger.Info().Str("service", name).Msg("Service removed from manifest, stopping")
		if err := ig.h.StopService(ctx, name); err != nil && !errdefs.IsNotFound(err) {
			ig.logger.Error().Err(err).Str("service", name).Msg("Stop failed")
		}
		if err := ig.h.DeregisterService(ctx, name); err != nil && !errdefs.IsNotFound(err) {
			ig.logger.Error().Err(err).Str("service", name).Msg("Deregister failed")
		}
		delete(ig.applied, name)
	}

	// Start or restart the rest in dependency order.
	for _, svc := range ordered {
		previous, known := ig.applied[svc.Name]
		if known && reflect.DeepEqual(previous, svc) {
			continue
		}
		if known {
			ig.logger.Info().Str("service", svc.Name).Msg("Service config changed, restarting")
			if err := ig.h.StopService(ctx, svc.Name); err != nil && !errdefs.IsNotFound(err) {
				ig.logger.Error().Err(err).Str("service", svc.Name).Msg("Stop failed")
				continue
			}
			if err := ig.h.DeregisterService(ctx, svc.Name); err != nil && !errdefs.IsNotFound(err) {
				ig.logger.Error().Err(err).Str("service", svc.Name).Msg("Deregister failed")
				continue
			}
		}
		if _, err := ig.h.StartService(ctx, svc); err != nil {
			ig.logger.Error().Err(err).Str("service", svc.Name).Msg("Start failed")
			continue
		}
		ig.applied[svc.Name] = svc
	}

	ig.persistState(manifest)
	return nil
}

func (ig *Ignitor) persistState(manifest *Manifest) {
	if ig.store == nil {
		return
	}
	data, err := os.ReadFile(ig.path)
	if err != nil {
		return
	}
	hash := sha256.Sum256(data)
	err = ig.store.SaveManifestState(&store.ManifestState{
		Hash:      hex.EncodeToString(hash[:]),
		AppliedAt: time.Now(),
		Services:  manifest.Services,
	})
	if err != nil {
		ig.logger.Warn().Err(err).Msg("Persisting manifest state failed")
	}
}

// Watch re-applies the manifest whenever the file changes, until the context
// is cancelled. Editors replace files rather than writing in place, so the
// watch covers the parent directory.
func (ig *Ignitor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating manifest watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(ig.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// Debounce bursts of writes from editors and atomic renames.
	const settle = 250 * time.Millisecond
	var pending *time.Timer
	pendingCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(ig.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, func() {
				select {
				case pendingCh <- struct{}{}:
				default:
				}
			})

		case <-pendingCh:
			ig.logger.Info().Str("path", ig.path).Msg("Manifest changed, re-applying")
			if err := ig.Apply(ctx); err != nil {
				ig.logger.Error().Err(err).Msg("Manifest apply failed")
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ig.logger.Error().Err(watchErr).Msg("Manifest watcher error")
		}
	}
}
