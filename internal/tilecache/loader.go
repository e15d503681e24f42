package tilecache

import (
	"context"
	"fmt"
)

const loadUsage = "usage: load(configfile, [logger], callback)"

// LoadCallback receives the outcome of a load. Exactly one argument is
// meaningful per call.
type LoadCallback func(err error, service *Service)

// Loader builds cache services from configuration resources. Each call is
// independent; the loader holds no per-load state.
type Loader struct {
	engine   Engine
	versions Versions
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithVersions overrides the version facts attached to loaded services.
func WithVersions(v Versions) LoaderOption {
	return func(l *Loader) {
		l.versions = v.Clone()
	}
}

// NewLoader binds a loader to the engine implementation.
func NewLoader(engine Engine, opts ...LoaderOption) *Loader {
	l := &Loader{engine: engine}
	for _, opt := range opts {
		opt(l)
	}
	if l.versions == nil {
		l.versions = DefaultVersions(engine)
	}
	return l
}

// Versions returns the version facts services inherit.
func (l *Loader) Versions() Versions { return l.versions.Clone() }

// Load parses and validates the configuration at path in the background.
// A nil sink discards engine log events.
func (l *Loader) Load(path string, sink Sink) *Pending[*Service] {
	return async(func() (*Service, error) {
		return l.load(path, sink)
	})
}

// LoadFunc is the callback form of Load. done runs exactly once on a
// goroutine other than the caller's.
func (l *Loader) LoadFunc(path string, sink Sink, done LoadCallback) {
	settle(func() (*Service, error) {
		return l.load(path, sink)
	}, func(r Result[*Service]) {
		svc, err := r.Unwrap()
		done(err, svc)
	})
}

// LoadArgs accepts (configfile, callback) or (configfile, logger, callback)
// as untyped positional arguments. Shape violations are returned at once and
// the callback is never invoked; otherwise the load proceeds asynchronously
// and nil is returned.
func (l *Loader) LoadArgs(args ...any) error {
	if len(args) != 2 && len(args) != 3 {
		return newError(KindArgumentCount, loadUsage, nil)
	}
	path, ok := args[0].(string)
	if !ok {
		return newError(KindArgumentType, "Argument 0 must be a string", nil)
	}
	var sink Sink
	if len(args) == 3 {
		sink, ok = asSink(args[1])
		if !ok {
			return newError(KindArgumentType, "Argument 1 must be an object", nil)
		}
	}
	last := len(args) - 1
	done, ok := asLoadCallback(args[last])
	if !ok {
		return newError(KindArgumentType, fmt.Sprintf("Argument %d must be a function", last), nil)
	}
	l.LoadFunc(path, sink, done)
	return nil
}

func (l *Loader) load(path string, sink Sink) (*Service, error) {
	if l == nil || l.engine == nil {
		return nil, newError(KindRuntime, "could not create the cache configuration context: no engine", nil)
	}
	b := newBridge(sink)
	ctx := context.Background()

	cfg, err := l.engine.Parse(ctx, path, b.emit)
	if err != nil {
		return nil, newError(KindConfigParse, fmt.Sprintf("failed to parse %s: %v", path, err), err)
	}
	handler, err := cfg.PostConfig(ctx)
	if err != nil {
		return nil, newError(KindConfigValidation, fmt.Sprintf("post-config failed for %s: %v", path, err), err)
	}
	if handler == nil {
		return nil, newError(KindConfigValidation, fmt.Sprintf("post-config failed for %s: engine produced no handler", path), nil)
	}
	return &Service{
		handler:  handler,
		bridge:   b,
		versions: l.versions.Clone(),
		source:   path,
	}, nil
}

func asSink(v any) (Sink, bool) {
	switch s := v.(type) {
	case Sink:
		return s, s != nil
	case func(Level, string):
		return SinkFunc(s), s != nil
	default:
		return nil, false
	}
}

func asLoadCallback(v any) (LoadCallback, bool) {
	switch fn := v.(type) {
	case LoadCallback:
		return fn, fn != nil
	case func(error, *Service):
		return fn, fn != nil
	default:
		return nil, false
	}
}
