package tilecache

import (
	"context"
	"time"
)

// Engine is the tile engine collaborator. Any implementation (in-process,
// RPC client, simulation) can sit behind it without changing the loader or
// dispatcher contracts.
type Engine interface {
	// Parse reads and parses the configuration resource at path. A missing
	// resource is reported here.
	Parse(ctx context.Context, path string, log LogFunc) (Configuration, error)
}

// Configuration is a parsed but not yet validated engine configuration.
type Configuration interface {
	// PostConfig resolves references and checks consistency, yielding the
	// handler that serves requests.
	PostConfig(ctx context.Context) (Handler, error)
}

// Handler serves request tuples. It must tolerate unbounded concurrent calls.
// Protocol-level failures are encoded as error documents in the response;
// a returned error means the engine itself failed.
type Handler interface {
	Handle(ctx context.Context, req Request) (*RawResponse, error)
}

// Closer is implemented by handlers holding external resources.
type Closer interface {
	Close(ctx context.Context) error
}

// VersionReporter is implemented by engines that describe their own
// components for the version surface.
type VersionReporter interface {
	Versions() map[string]string
}

// Request is the (baseUrl, pathInfo, queryString) tuple. It is passed to the
// engine unmodified.
type Request struct {
	BaseURL     string
	PathInfo    string
	QueryString string
}

// HeaderField is one engine header entry. Engines may repeat names.
type HeaderField struct {
	Name  string
	Value string
}

// RawResponse is the engine's unnormalized answer.
type RawResponse struct {
	Code    int
	Headers []HeaderField
	Data    []byte
	MTime   time.Time
}
