package tilecache

import (
	"context"
	"fmt"
)

const getUsage = "usage: get(baseUrl, pathInfo, queryString, callback)"

// GetCallback receives the outcome of a get.
type GetCallback func(err error, response *Response)

// Service is a loaded, validated cache configuration. It is immutable after
// load and safe for unbounded concurrent use.
type Service struct {
	handler  Handler
	bridge   *bridge
	versions Versions
	source   string
}

// NewService wraps an already validated handler. Most callers obtain
// services through Loader instead.
func NewService(handler Handler, sink Sink, versions Versions) *Service {
	return &Service{handler: handler, bridge: newBridge(sink), versions: versions.Clone()}
}

// Source is the configuration resource the service was loaded from.
func (s *Service) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Versions returns the version facts captured at load time.
func (s *Service) Versions() Versions {
	if s == nil {
		return Versions{}
	}
	return s.versions.Clone()
}

// Get dispatches one request tuple to the engine in the background.
func (s *Service) Get(baseURL, pathInfo, query string) *Pending[*Response] {
	req := Request{BaseURL: baseURL, PathInfo: pathInfo, QueryString: query}
	return async(func() (*Response, error) {
		return s.get(req)
	})
}

// GetFunc is the callback form of Get. done runs exactly once on a goroutine
// other than the caller's.
func (s *Service) GetFunc(baseURL, pathInfo, query string, done GetCallback) {
	req := Request{BaseURL: baseURL, PathInfo: pathInfo, QueryString: query}
	settle(func() (*Response, error) {
		return s.get(req)
	}, func(r Result[*Response]) {
		resp, err := r.Unwrap()
		done(err, resp)
	})
}

// GetArgs accepts (baseUrl, pathInfo, queryString, callback) as untyped
// positional arguments. Shape violations are returned synchronously and the
// callback is never invoked.
func (s *Service) GetArgs(args ...any) error {
	if len(args) != 4 {
		return newError(KindArgumentCount, getUsage, nil)
	}
	var parts [3]string
	for i := range parts {
		str, ok := args[i].(string)
		if !ok {
			return newError(KindArgumentType, fmt.Sprintf("Argument %d must be a string", i), nil)
		}
		parts[i] = str
	}
	done, ok := asGetCallback(args[3])
	if !ok {
		return newError(KindArgumentType, "Argument 3 must be a function", nil)
	}
	s.GetFunc(parts[0], parts[1], parts[2], done)
	return nil
}

// Close releases engine resources, if the handler holds any.
func (s *Service) Close(ctx context.Context) error {
	if s == nil || s.handler == nil {
		return nil
	}
	if closer, ok := s.handler.(Closer); ok {
		return closer.Close(ctx)
	}
	return nil
}

func (s *Service) get(req Request) (*Response, error) {
	if s == nil || s.handler == nil {
		return nil, newError(KindRuntime, "cache service is not configured", nil)
	}
	raw, err := s.handler.Handle(context.Background(), req)
	if err != nil {
		return nil, newError(KindRuntime, err.Error(), err)
	}
	if raw == nil {
		return nil, newError(KindRuntime, "no response was received from the cache", nil)
	}
	return normalize(raw, s.bridge.emit), nil
}

func asGetCallback(v any) (GetCallback, bool) {
	switch fn := v.(type) {
	case GetCallback:
		return fn, fn != nil
	case func(error, *Response):
		return fn, fn != nil
	default:
		return nil, false
	}
}
