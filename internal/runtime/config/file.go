package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a host configuration: the settings of the
// host process itself and the nodes it runs.
//
//	service:
//	  monitor_enabled: true
//	  shutdown_timeout: 5s
//	nodes:
//	  - name: orders-in
//	    type: servicebus-receive-queue
//	    connection_string: ${ORDERS_BUS}
//	    queue: orders
type File struct {
	Service Config   `yaml:"service"`
	Nodes   []Config `yaml:"nodes"`
}

// Load reads and validates a host configuration file. ${VAR} references are
// expanded from the environment so secrets can stay out of the file.
func Load(filename string) (*File, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a host configuration document. Unknown keys
// are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &f, nil
}

// Validate checks the host settings and every node. Endpoint fields are left
// to the binder, as for nodes configured in code.
func (f *File) Validate() error {
	var errs []error
	if err := f.Service.ValidateSurfaces(); err != nil {
		errs = append(errs, fmt.Errorf("service: %w", err))
	}
	for i := range f.Nodes {
		if err := f.Nodes[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
