// Package config loads and persists the project model, the single JSON
// document that defines a de-identification site: identity, network nodes,
// storage location, anonymization settings and export destinations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// UIDRootDefault is the registered organization root for generated UIDs.
const UIDRootDefault = "1.2.826.0.1.3680043.10.474"

// Config holds the full project model for a de-identification site.
type Config struct {
	SiteID      string `json:"site_id" validate:"required"`
	ProjectName string `json:"project_name" validate:"required"`
	UIDRoot     string `json:"uid_root" validate:"required"`

	LogLevel  string `json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" validate:"oneof=text json"`

	Storage    StorageConfig    `json:"storage"`
	SCP        LocalNode        `json:"scp"`
	SCU        LocalNode        `json:"scu"`
	RemoteSCPs map[string]Node  `json:"remote_scps"`
	Network    NetworkTimeouts  `json:"network_timeouts"`
	Anonymizer AnonymizerConfig `json:"anonymizer"`
	Admin      AdminConfig      `json:"admin"`
	AWS        *AWSConfig       `json:"aws_cognito,omitempty"`

	Modalities       []string `json:"modalities" validate:"min=1"`
	StorageClasses   []string `json:"storage_classes"`
	TransferSyntaxes []string `json:"transfer_syntaxes" validate:"min=1"`

	ExportToAWS bool `json:"export_to_aws"`
}

// StorageConfig holds the storage root location.
type StorageConfig struct {
	Directory string `json:"directory" validate:"required"`
}

// LocalNode is an AE this service runs itself.
type LocalNode struct {
	AETitle string `json:"ae_title" validate:"required,max=16"`
	Host    string `json:"host" validate:"required"`
	Port    int    `json:"port" validate:"min=1,max=65535"`
}

// Node is a remote AE this service connects to.
type Node struct {
	AETitle string `json:"ae_title" validate:"required,max=16"`
	Host    string `json:"host" validate:"required"`
	Port    int    `json:"port" validate:"min=1,max=65535"`
}

// Addr returns host:port for dialing.
func (n Node) Addr() string { return n.Host + ":" + strconv.Itoa(n.Port) }

// Addr returns host:port for listening.
func (n LocalNode) Addr() string { return n.Host + ":" + strconv.Itoa(n.Port) }

// NetworkTimeouts is the timeout quartet applied to every association.
type NetworkTimeouts struct {
	TCPConnectSeconds int `json:"tcp_connect" validate:"min=1"`
	ACSESeconds       int `json:"acse" validate:"min=1"`
	DIMSESeconds      int `json:"dimse" validate:"min=1"`
	NetworkSeconds    int `json:"network" validate:"min=1"`
}

func (t NetworkTimeouts) TCPConnect() time.Duration { return secs(t.TCPConnectSeconds) }
func (t NetworkTimeouts) ACSE() time.Duration       { return secs(t.ACSESeconds) }
func (t NetworkTimeouts) DIMSE() time.Duration      { return secs(t.DIMSESeconds) }
func (t NetworkTimeouts) Network() time.Duration    { return secs(t.NetworkSeconds) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// AnonymizerConfig holds pipeline sizing and the script location.
type AnonymizerConfig struct {
	ScriptPath    string `json:"script_path"`
	Workers       int    `json:"workers" validate:"min=1,max=64"`
	QueueSize     int    `json:"queue_size" validate:"min=1"`
	MemoryFloorMB int    `json:"memory_floor_mb" validate:"min=0"`
}

// AdminConfig holds the control-plane HTTP listener settings.
type AdminConfig struct {
	Addr  string `json:"addr" validate:"required"`
	Token string `json:"token"`
}

// AWSConfig holds the Cognito identity chain and S3 destination.
type AWSConfig struct {
	AccountID      string `json:"account_id" validate:"required"`
	Region         string `json:"region_name" validate:"required"`
	AppClientID    string `json:"app_client_id" validate:"required"`
	UserPoolID     string `json:"user_pool_id" validate:"required"`
	IdentityPoolID string `json:"identity_pool_id" validate:"required"`
	S3Bucket       string `json:"s3_bucket" validate:"required"`
	S3Prefix       string `json:"s3_prefix"`
	Username       string `json:"username" validate:"required"`
	Password       string `json:"password" validate:"required"`
}

// Default returns a config with every default applied. SiteID defaults to the
// half-hour epoch counter so two sites started at different times never
// collide without coordination.
func Default() *Config {
	siteID := strconv.FormatInt(time.Now().Unix()/(60*30), 10)
	return &Config{
		SiteID:      siteID,
		ProjectName: "PROJECT",
		UIDRoot:     UIDRootDefault,
		LogLevel:    "info",
		LogFormat:   "text",
		Storage:     StorageConfig{Directory: "dicomveil-storage"},
		SCP:         LocalNode{AETitle: "DICOMVEIL", Host: "0.0.0.0", Port: 1045},
		SCU:         LocalNode{AETitle: "DICOMVEIL", Host: "0.0.0.0", Port: 1045},
		RemoteSCPs:  map[string]Node{},
		Network: NetworkTimeouts{
			TCPConnectSeconds: 5,
			ACSESeconds:       30,
			DIMSESeconds:      30,
			NetworkSeconds:    60,
		},
		Anonymizer: AnonymizerConfig{
			Workers:       4,
			QueueSize:     1024,
			MemoryFloorMB: 512,
		},
		Admin:      AdminConfig{Addr: "127.0.0.1:8099"},
		Modalities: []string{"CR", "DX", "CT", "MR"},
		TransferSyntaxes: []string{
			"1.2.840.10008.1.2",
			"1.2.840.10008.1.2.1",
		},
	}
}

// Load reads the project model from path, applies defaults for absent fields
// and validates the result. Environment references in the document
// (for example "${DICOMVEIL_AWS_PASSWORD}") are expanded before parsing so
// secrets stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project model: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse project model: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("validate project model: %w", err)
	}
	if c.ExportToAWS && c.AWS == nil {
		return fmt.Errorf("validate project model: export_to_aws set without aws_cognito block")
	}
	for name, node := range c.RemoteSCPs {
		if err := v.Struct(node); err != nil {
			return fmt.Errorf("validate remote scp %q: %w", name, err)
		}
	}
	return nil
}

// Save writes the project model atomically next to its final location.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project model: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".projectmodel-*.json")
	if err != nil {
		return fmt.Errorf("save project model: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save project model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save project model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save project model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save project model: %w", err)
	}
	return nil
}

// MemoryFloorBytes returns the ingest backpressure floor in bytes.
func (c *Config) MemoryFloorBytes() uint64 {
	return uint64(c.Anonymizer.MemoryFloorMB) * 1024 * 1024
}
