// Package config loads coordinator and peer configuration from the
// environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Coordinator holds the coordinator server configuration.
type Coordinator struct {
	Addr         string        `envconfig:"SWARMDROP_ADDR" default:":8420"`
	MaxShareSize int           `envconfig:"SWARMDROP_MAX_SHARE_SIZE" default:"64"`
	RecordTTL    time.Duration `envconfig:"SWARMDROP_RECORD_TTL" default:"720h"` // 30 days
	SweepEvery   time.Duration `envconfig:"SWARMDROP_SWEEP_EVERY" default:"1h"`
	RateLimit    int           `envconfig:"SWARMDROP_RATE_LIMIT" default:"120"`
	RateWindow   time.Duration `envconfig:"SWARMDROP_RATE_WINDOW" default:"1m"`
}

// Peer holds the peer daemon configuration.
type Peer struct {
	CoordinatorURL string        `envconfig:"SWARMDROP_COORDINATOR_URL" default:"ws://127.0.0.1:8420/ws"`
	ListenAddr     string        `envconfig:"SWARMDROP_PEER_ADDR" default:"127.0.0.1:0"`
	DataDir        string        `envconfig:"SWARMDROP_DATA_DIR" default:""`
	Passphrase     string        `envconfig:"SWARMDROP_PASSPHRASE" required:"true"`
	ChunkSize      int           `envconfig:"SWARMDROP_CHUNK_SIZE" default:"65536"` // 64 KiB
	PipelineDepth  int           `envconfig:"SWARMDROP_PIPELINE_DEPTH" default:"4"`
	UploadSlots    int           `envconfig:"SWARMDROP_UPLOAD_SLOTS" default:"4"`
	DrainTimeout   time.Duration `envconfig:"SWARMDROP_DRAIN_TIMEOUT" default:"5s"`
	DrainPoll      time.Duration `envconfig:"SWARMDROP_DRAIN_POLL" default:"100ms"`
	RequestTimeout time.Duration `envconfig:"SWARMDROP_REQUEST_TIMEOUT" default:"10s"`
	ParityChunks   int           `envconfig:"SWARMDROP_PARITY_CHUNKS" default:"2"`
}

// LoadCoordinator reads coordinator configuration from the environment.
func LoadCoordinator() (*Coordinator, error) {
	var cfg Coordinator
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPeer reads peer configuration from the environment.
func LoadPeer() (*Peer, error) {
	var cfg Peer
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
