// Package config loads the YAML configuration of the client and server
// commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
	"github.com/halilibrahimkanpak/he_inference/server"
)

// DefaultAddress is the address the server listens on and the client
// connects to by default.
const DefaultAddress = "127.0.0.1:34000"

// ClientConfig configures the client command.
type ClientConfig struct {
	Address        string        `yaml:"address"`
	BatchSize      int           `yaml:"batch_size"`
	ComplexPacking bool          `yaml:"complex_packing"`
	Timeout        time.Duration `yaml:"timeout"`
	Verbose        bool          `yaml:"verbose"`
	// Inputs are used as is when MNIST.Dir is empty.
	Inputs []float64   `yaml:"inputs"`
	MNIST  MNISTConfig `yaml:"mnist"`
}

// MNISTConfig selects a batch of MNIST test images as client input.
type MNISTConfig struct {
	Dir    string `yaml:"dir"`
	Offset int    `yaml:"offset"`
}

// ServerConfig configures the server command.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	ParameterSet   string   `yaml:"parameter_set"`
	BatchSize      int      `yaml:"batch_size"`
	ComplexPacking bool     `yaml:"complex_packing"`
	InputShape     []int    `yaml:"input_shape"`
	Ops            []OpSpec `yaml:"ops"`
	Verbose        bool     `yaml:"verbose"`
	// ElementType is "f32" or "f64"; empty means f32.
	ElementType string `yaml:"element_type"`

	dir string
}

// OpSpec is one program operation.
type OpSpec struct {
	Op        string    `yaml:"op"`
	Constant  []float64 `yaml:"constant,omitempty"`
	Weights   string    `yaml:"weights,omitempty"`
	PadBefore int       `yaml:"pad_before,omitempty"`
	PadAfter  int       `yaml:"pad_after,omitempty"`
	Alpha     float64   `yaml:"alpha,omitempty"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:   DefaultAddress,
		BatchSize: 1,
	}
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      DefaultAddress,
		ParameterSet: string(he.DefaultSet),
		BatchSize:    1,
	}
}

// LoadClient reads a client configuration on top of the defaults.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer reads a server configuration on top of the defaults.
// Relative weight paths are resolved against the file's directory.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return nil
}

// Program builds and validates the server program.
func (c *ServerConfig) Program() (*server.Program, error) {
	et, err := packing.ParseElementType(c.ElementType)
	if err != nil {
		return nil, err
	}
	program := &server.Program{
		InputShape:  packing.Shape(c.InputShape),
		BatchSize:   c.BatchSize,
		Ops:         make([]server.Op, len(c.Ops)),
		ElementType: et,
	}
	for i, o := range c.Ops {
		kind, err := server.ParseOpKind(o.Op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		op := server.Op{
			Kind:      kind,
			Constant:  o.Constant,
			PadBefore: o.PadBefore,
			PadAfter:  o.PadAfter,
			Alpha:     o.Alpha,
		}
		if kind == server.OpDense {
			path := o.Weights
			if !filepath.IsAbs(path) && c.dir != "" {
				path = filepath.Join(c.dir, path)
			}
			if op.Dense, err = server.LoadDenseLayer(path); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
		}
		program.Ops[i] = op
	}
	if _, err := program.Validate(c.ComplexPacking); err != nil {
		return nil, err
	}
	return program, nil
}
