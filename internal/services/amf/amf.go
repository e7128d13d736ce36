// Package amf implements a stub of the availability management framework
// service (§4.O): it reads its JSON configuration at exec_init_fn and
// dumps that configuration on exec_dump_fn, giving the registry's
// ExecInit/ExecDump hooks a real caller.
package amf

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// Config is the shape of the AMF configuration file.
type Config struct {
	ClusterName  string   `json:"cluster_name"`
	Nodes        []string `json:"nodes"`
	FailoverMode string   `json:"failover_mode"`
}

// Service is the stub AMF body.
type Service struct {
	serviceIdx   int
	configPath   string
	loadedConfig Config
}

// New builds the AMF service. configPath is read once, at ExecInit
// (§4.J step 12: "read AMF config").
func New(serviceIdx int, configPath string) *Service {
	return &Service{serviceIdx: serviceIdx, configPath: configPath}
}

// Descriptor builds the registry.Service capability for this instance.
func (s *Service) Descriptor() *registry.Service {
	return &registry.Service{
		Name: "amf",
		Init: func(conn registry.Conn, h wire.RequestHeader) error {
			conn.BindService(s.serviceIdx)
			return nil
		},
		Exit:     func(conn registry.Conn) registry.ExitResult { return registry.ExitRelease },
		ExecInit: s.execInit,
		ExecDump: s.dump,
	}
}

func (s *Service) execInit() error {
	if s.configPath == "" {
		return nil // AMF is optional: no path configured, run with zero-value defaults
	}
	raw, err := os.ReadFile(s.configPath)
	if err != nil {
		return fmt.Errorf("amf: read config %s: %w", s.configPath, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("amf: parse config %s: %w", s.configPath, err)
	}
	s.loadedConfig = cfg
	return nil
}

func (s *Service) dump() any { return s.loadedConfig }
