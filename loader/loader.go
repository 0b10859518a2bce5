// Package loader orchestrates the load pipeline: parse the bytecode
// object, apply CO-RE relocations against the running kernel's types,
// create maps, satisfy map references, submit the program, pin the
// results and record them in the state store.
//
// # Atomicity
//
// A failed load must leave no trace. Every kernel-side effect pushes
// a rollback closure onto an undo stack; on failure the closures run
// in reverse order. Maps reused from existing pins are never rolled
// back: the loader did not create them, so it does not destroy them.
package loader

import (
	"log/slog"

	"github.com/frobware/go-bpfload/bpffs"
	"github.com/frobware/go-bpfload/btf"
	"github.com/frobware/go-bpfload/kernel"
	"github.com/frobware/go-bpfload/logging"
	"github.com/frobware/go-bpfload/store"
	"github.com/frobware/go-bpfload/sys"
)

// Loader loads, attaches and unloads programs. Safe for sequential
// use; callers needing concurrency serialise externally.
type Loader struct {
	gw       sys.Gateway
	store    store.Store
	logger   *slog.Logger
	root     bpffs.Root
	feats    kernel.Features
	attacher *kernel.Attacher

	// runtimeGraph supplies the running kernel's type graph. Tests
	// substitute a synthetic graph.
	runtimeGraph func() (*btf.Graph, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithGateway substitutes the kernel gateway. Tests inject a fake.
func WithGateway(gw sys.Gateway) Option {
	return func(l *Loader) { l.gw = gw }
}

// WithFeatures overrides detected kernel features.
func WithFeatures(f kernel.Features) Option {
	return func(l *Loader) { l.feats = f }
}

// WithRuntimeGraph overrides the source of runtime type information.
func WithRuntimeGraph(fn func() (*btf.Graph, error)) Option {
	return func(l *Loader) { l.runtimeGraph = fn }
}

// WithAttacher overrides the attacher, typically to redirect its
// tracefs and PMU lookups in tests.
func WithAttacher(a *kernel.Attacher) Option {
	return func(l *Loader) { l.attacher = a }
}

// New creates a Loader. root is the bpffs root used for pinning; st
// records loaded state. A nil logger falls back to the package
// default.
func New(root bpffs.Root, st store.Store, logger *slog.Logger, opts ...Option) (*Loader, error) {
	if logger == nil {
		logger = logging.Default()
	}
	l := &Loader{
		store:        st,
		logger:       logger.With("component", "loader"),
		root:         root,
		runtimeGraph: btf.RuntimeGraph,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.gw == nil {
		l.gw = sys.Default()
	}
	if l.feats == (kernel.Features{}) {
		feats, err := kernel.DetectFeatures()
		if err != nil {
			return nil, err
		}
		l.feats = feats
	}
	if l.attacher == nil {
		l.attacher = kernel.NewAttacher(l.gw, l.feats, l.logger)
	}
	return l, nil
}

// Root returns the loader's bpffs root.
func (l *Loader) Root() bpffs.Root { return l.root }
