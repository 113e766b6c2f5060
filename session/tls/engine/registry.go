package engine

import (
	stderrors "errors"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrNoEngine        = errors.New("no TLS engine available")
	ErrDuplicateEngine = errors.New("engine already registered")
)

// Registry holds engines in registration order.
type Registry struct {
	mu      sync.RWMutex
	engines []Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{}
	for _, e := range engines {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, registered := range r.engines {
		if registered.Name() == e.Name() {
			return errors.Wrap(ErrDuplicateEngine, e.Name())
		}
	}
	r.engines = append(r.engines, e)
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for _, e := range r.engines {
		names = append(names, e.Name())
	}
	return names
}

// ActivateClient activates the engine called name, or with an empty name
// the first client engine that activates successfully.
func (r *Registry) ActivateClient(name string, cfg ClientConfig) (Client, string, error) {
	var errs []error
	for _, e := range r.candidates(name) {
		ce, ok := e.(ClientEngine)
		if !ok {
			continue
		}

		client, err := ce.ActivateClient(cfg)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "activating %s", e.Name()))
			continue
		}
		return client, e.Name(), nil
	}

	return nil, "", r.notFound(name, "client", errs)
}

// ActivateServer is ActivateClient for servers.
func (r *Registry) ActivateServer(name string, cfg ServerConfig) (Server, string, error) {
	var errs []error
	for _, e := range r.candidates(name) {
		se, ok := e.(ServerEngine)
		if !ok {
			continue
		}

		server, err := se.ActivateServer(cfg)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "activating %s", e.Name()))
			continue
		}
		return server, e.Name(), nil
	}

	return nil, "", r.notFound(name, "server", errs)
}

func (r *Registry) candidates(name string) []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		return append([]Engine(nil), r.engines...)
	}
	for _, e := range r.engines {
		if e.Name() == name {
			return []Engine{e}
		}
	}
	return nil
}

func (r *Registry) notFound(name, capability string, errs []error) error {
	err := errors.Wrapf(ErrNoEngine, "capability %q", capability)
	if name != "" {
		err = errors.Wrapf(err, "engine %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	if len(errs) > 0 {
		return stderrors.Join(append([]error{err}, errs...)...)
	}
	return err
}
