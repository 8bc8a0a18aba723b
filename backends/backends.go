// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface to the task-and-transfer runtime that tiled tensors are built on.
//
// A Backend is the view of one node (process) of a possibly distributed runtime: it registers tile buffers,
// tracks which node owns each of them, and accepts asynchronous tasks (transfers and copies) that it orders
// by their data dependencies. All tensors distributed over a set of nodes are created in the same order on
// every node (SPMD style), so handles and tags agree across nodes.
//
// Submission methods never block: errors returned by them are submission failures. Errors during the execution
// of the tasks are reported by TaskInterface.WaitAll.
package backends

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a gotile runtime, from the point of view of one node.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "simulated".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Rank returns the rank of the node this Backend represents, between 0 and NumNodes()-1.
	Rank() int

	// NumNodes returns the number of nodes participating in the runtime.
	NumNodes() int

	// DataInterface is the sub-interface that handles registration of and access to tile buffers.
	DataInterface

	// TaskInterface is the sub-interface to submit transfers and copies, and to wait for them.
	TaskInterface

	// Finalize waits for pending work, releases all the associated resources, and makes the backend invalid.
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

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOTILE_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>", e.g. "simulated:nodes=4,workers=8".
const GOTILE_BACKEND = "GOTILE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
//  1. The environment GOTILE_BACKEND is used as a configuration if defined.
//  2. Next the DefaultConfig is used if set.
//  3. Otherwise, the first registered backend with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(GOTILE_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "simulated") and
// "<backend_configuration>" is backend specific, usually a comma-separated list of "key=value" pairs
// (see ParseConfig).
//
// If there is no registered backend at all it panics, since it's a programming error (a missing import).
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for gotile -- maybe import the simulated one with import _ "github.com/gomlx/gotile/backends/simulated"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}

// List the registered backends names, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseConfig parses a backend configuration of the form "key1=value1,key2=value2,flag".
// Keys without a value are mapped to "".
func ParseConfig(config string) map[string]string {
	options := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			options[strings.TrimSpace(key)] = strings.TrimSpace(value)
		} else {
			options[part] = ""
		}
	}
	return options
}

// ConfigInt returns the integer value of key in options, or defaultValue if it is not set.
func ConfigInt(options map[string]string, key string, defaultValue int) (int, error) {
	str, found := options[key]
	if !found {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(str)
	if err != nil {
		return 0, errors.Wrapf(err, "backend configuration %q=%q is not an integer", key, str)
	}
	return value, nil
}
