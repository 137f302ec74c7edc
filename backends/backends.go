// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the collaborator that actually runs compiled operators: the Executable
// handles produced by kernel variants, the Buffer type that holds tensor data in its physical layout,
// and a registry of backends selectable by configuration.
//
// Backends also register their kernel variants in a catalogue (see package variants) for the
// operators they support.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Backend is the API that needs to be implemented by a compute backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the reference Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns the operations and dtypes supported by the backend.
	Capabilities() Capabilities

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the "go" backend "parallelism=4").
const ConfigEnvVar = "OPDISPATCH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment OPDISPATCH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific. If there is no ":" the whole string is taken as
// the backend name, and if it is empty the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for opdispatch -- maybe import the reference one with import _ "github.com/gomlx/opdispatch/backends/simplego"?`)
	}
	backendName := config
	var backendConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
