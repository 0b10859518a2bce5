package btf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	bpfload "github.com/frobware/go-bpfload"
)

// DefaultRuntimePath is where modern kernels expose their own type
// information as a raw BTF blob.
const DefaultRuntimePath = "/sys/kernel/btf/vmlinux"

// The runtime graph is decoded once per process and cached: it is
// megabytes of input and every load call needs it. The cache has an
// explicit lifecycle (RuntimeGraph to initialise, ResetRuntimeGraph
// to tear down) rather than being ambient state.
var runtimeCache struct {
	mu     sync.Mutex
	graph  *Graph
	err    error
	loaded bool
}

// RuntimeGraph returns the running kernel's type graph, decoding it
// on first use. Returns bpfload.ErrRuntimeTypesUnavailable when the
// kernel does not expose type information, so callers can distinguish
// "no relocations needed" from "cannot relocate".
func RuntimeGraph() (*Graph, error) {
	return runtimeGraphFrom(DefaultRuntimePath)
}

func runtimeGraphFrom(path string) (*Graph, error) {
	runtimeCache.mu.Lock()
	defer runtimeCache.mu.Unlock()

	if runtimeCache.loaded {
		return runtimeCache.graph, runtimeCache.err
	}

	runtimeCache.graph, runtimeCache.err = loadRuntimeGraph(path)
	runtimeCache.loaded = true
	return runtimeCache.graph, runtimeCache.err
}

func loadRuntimeGraph(path string) (*Graph, error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, bpfload.ErrRuntimeTypesUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("reading runtime types: %w", err)
	}
	// The kernel writes the blob in native byte order; Decode detects
	// it from the magic.
	g, err := Decode(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding runtime types: %w", err)
	}
	return g, nil
}

// SetRuntimeGraph replaces the cached runtime graph. Tests use this
// to substitute a synthetic graph for the real kernel's.
func SetRuntimeGraph(g *Graph) {
	runtimeCache.mu.Lock()
	defer runtimeCache.mu.Unlock()
	runtimeCache.graph = g
	runtimeCache.err = nil
	runtimeCache.loaded = true
}

// ResetRuntimeGraph drops the cached runtime graph. The next
// RuntimeGraph call re-reads the kernel blob.
func ResetRuntimeGraph() {
	runtimeCache.mu.Lock()
	defer runtimeCache.mu.Unlock()
	runtimeCache.graph = nil
	runtimeCache.err = nil
	runtimeCache.loaded = false
}
