// Package backends defines the execution-provider interface of the runtime:
// the contract a backend implements to own graph nodes, allocate tensors in
// its memory classes, move tensors across locations, and contribute kernel
// implementations through a registry.
//
// A provider that doesn't implement every operator simply registers the
// kernels it has; node assignment falls through to the next provider of the
// session. All entry points return errors rather than panicking.
package backends

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/types/tensors"
)

// Provider is an execution backend for a device or class of hardware. It
// owns one allocator per memory class it supports and contributes the subset
// of the kernel registry that runs on it. A Provider's lifetime spans a
// session.
type Provider interface {
	// Name is the short backend identifier used in kernel definitions and
	// tensor locations, e.g. "cpu".
	Name() string

	// Description is a longer description of the provider, for pretty-printing.
	Description() string

	// DefaultMemoryClass is the class kernels allocate outputs from when
	// their definition carries no per-slot override.
	DefaultMemoryClass() tensors.MemoryClass

	// Allocator returns the allocator owning the given memory class, or a
	// NotImplemented error if the provider doesn't support the class.
	//
	// Allocators must support concurrent allocation and free calls: kernel
	// invocations may run in parallel across independent subgraph regions.
	Allocator(class tensors.MemoryClass) (Allocator, error)

	// KernelRegistry returns the registry of kernels this provider
	// contributes. Registrations complete at provider construction; the
	// returned registry is read-only and safe for concurrent lookups.
	KernelRegistry() *Registry

	// CopyTensor copies src's flat data into dst, synchronously and
	// byte-exact. It is defined over an explicit whitelist of (source
	// location, destination location) pairs; any pair not on the whitelist
	// fails with a NotImplemented error without writing any memory.
	CopyTensor(src, dst *tensors.Tensor) error

	// Finalize releases the provider's resources immediately and makes it
	// invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a
// Provider, or an error if the configuration is invalid.
type Constructor func(config string) (Provider, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a provider constructor under the given name. To be safe, call
// Register during initialization of the provider's package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// GRAPHRT_BACKEND is the environment variable with the default provider
// configuration, formatted as "<provider_name>:<provider_configuration>".
const GRAPHRT_BACKEND = "GRAPHRT_BACKEND"

// DefaultConfig is used by New if GRAPHRT_BACKEND is not set.
var DefaultConfig string

// New returns a provider built from the GRAPHRT_BACKEND environment
// variable, the DefaultConfig variable, or the first registered constructor,
// in that order of preference.
func New() (Provider, error) {
	if config, found := os.LookupEnv(GRAPHRT_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds a provider from a "<name>:<configuration>" string.
// An empty name selects the first registered provider.
func NewWithConfig(config string) (Provider, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(
			`no registered execution providers -- maybe import the default one with import _ "github.com/graphrt/graphrt/backends/cpu"?`)
	}
	name := firstRegistered
	providerConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		providerConfig = config[idx+1:]
	} else if config != "" {
		name = config
		providerConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find execution provider %q for configuration %q", name, config)
	}
	return constructor(providerConfig)
}
