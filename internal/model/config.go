package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version      int          `json:"version" yaml:"version"` // fixed 0 for now
	Service      Service      `json:"service" yaml:"service"`
	Store        Store        `json:"store" yaml:"store"`
	Logs         Logs         `json:"logs" yaml:"logs"`
	Interpreters Interpreters `json:"interpreters" yaml:"interpreters"`
	Dedup        Dedup        `json:"dedup" yaml:"dedup"`
	Feed         Feed         `json:"feed" yaml:"feed"`
	Engine       Engine       `json:"engine" yaml:"engine"`
	Retention    Retention    `json:"retention" yaml:"retention"`
	Notify       Notify       `json:"notify" yaml:"notify"`
	Archive      Archive      `json:"archive" yaml:"archive"`
}

type Service struct {
	Verbose bool    `json:"verbose" yaml:"verbose"`
	Log     string  `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Listen  TCPAddr `json:"listen" yaml:"listen"`
}

// Store selects the RunStore backend.
type Store struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

type Logs struct {
	Dir string `json:"dir" yaml:"dir"`
}

// Interpreter overrides the command used for a script kind.
type Interpreter struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args" yaml:"args"`
}

// Interpreters nil entry => platform default
type Interpreters struct {
	Batch      *Interpreter `json:"batch,omitempty" yaml:"batch,omitempty"`
	Bash       *Interpreter `json:"bash,omitempty" yaml:"bash,omitempty"`
	PowerShell *Interpreter `json:"powershell,omitempty" yaml:"powershell,omitempty"`
}

// Dedup parameters of the session output filter.
type Dedup struct {
	TokenLength int `json:"token_length" yaml:"token_length"`
	RepeatCap   int `json:"repeat_cap" yaml:"repeat_cap"`
}

type Feed struct {
	Buffer int      `json:"buffer" yaml:"buffer"` // per subscriber
	Grace  Duration `json:"grace" yaml:"grace"`   // terminal events kept for late subscribers
}

type Engine struct {
	KillGrace Duration `json:"kill_grace" yaml:"kill_grace"`
}

type Retention struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Interval      Duration `json:"interval" yaml:"interval"`
	Cron          string   `json:"cron" yaml:"cron"` // takes precedence over interval
	RetentionDays int      `json:"retention_days" yaml:"retention_days"`
	Status        string   `json:"status" yaml:"status"` // empty => all statuses
	DryRun        bool     `json:"dry_run" yaml:"dry_run"`
}

// Notify sends finished runs to a message broker. Empty brokers disable it.
type Notify struct {
	Kafka Kafka `json:"kafka" yaml:"kafka"`
}

type Kafka struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// Archive uploads logs before retention deletes them. An empty endpoint
// disables it.
type Archive struct {
	S3 S3 `json:"s3" yaml:"s3"`
}

type S3 struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Region    string `json:"region" yaml:"region"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration stored when no config file exists.
// It matches the CUE schema defaults.
func DefaultConfig() Config {
	var listen TCPAddr
	_ = listen.UnmarshalText([]byte("127.0.0.1:8080"))
	return Config{
		Version: 0,
		Service: Service{
			Log:    LogStderr,
			Listen: listen,
		},
		Store: Store{
			Driver: StoreSQLite,
		},
		Logs: Logs{
			Dir: "logs",
		},
		Dedup: Dedup{
			TokenLength: 16,
			RepeatCap:   4,
		},
		Feed: Feed{
			Buffer: 64,
			Grace:  Duration{30 * time.Second},
		},
		Engine: Engine{
			KillGrace: Duration{2 * time.Second},
		},
		Retention: Retention{
			Interval:      Duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Notify: Notify{
			Kafka: Kafka{
				Brokers: []string{},
				Topic:   "batchrun.runs",
			},
		},
		Archive: Archive{
			S3: S3{
				Region: "us-east-1",
				Bucket: "batchrun-logs",
			},
		},
	}
}
