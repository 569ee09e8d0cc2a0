package transport

import (
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

const (
	// File system permissions
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644

	DefaultTimeout   = 5 * time.Second
	DefaultSubject   = "telemetry.batches"
	DefaultStream    = "telemetry:batches"
	DefaultStreamLen = 10000
)

// Kind selects the backend of a Transport.
type Kind string

const (
	KindFile      Kind = "file"
	KindSQLite    Kind = "sqlite"
	KindNATS      Kind = "nats"
	KindRedis     Kind = "redis"
	KindWebSocket Kind = "websocket"
)

// Kinds lists every supported backend.
var Kinds = []Kind{KindFile, KindSQLite, KindNATS, KindRedis, KindWebSocket}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Config struct {
	Name string
	Kind Kind

	// Path is the output file for file and the database for sqlite.
	Path string
	// URL is the server for nats and the endpoint for websocket.
	URL string
	// Addr is the redis server address.
	Addr     string
	Password string
	DB       int

	Subject   string
	Stream    string
	StreamLen int64

	// BackupOnMigrate keeps a copy of an sqlite spool whose schema is replaced.
	BackupOnMigrate bool

	// Timeout bounds connection setup and server acknowledgement.
	Timeout time.Duration
}

// DefaultConfig returns the defaults for a named transport of kind.
func DefaultConfig(name string, kind Kind) Config {
	return Config{
		Name:            name,
		Kind:            kind,
		Subject:         DefaultSubject,
		Stream:          DefaultStream,
		StreamLen:       DefaultStreamLen,
		BackupOnMigrate: true,
		Timeout:         DefaultTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Name == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "transport name is required")
	}
	if !c.Kind.Valid() {
		return errFactory.WithData(ErrUnknownKind, struct {
			Name string
			Kind string
		}{
			Name: c.Name,
			Kind: string(c.Kind),
		})
	}
	if c.Timeout <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "transport timeout must be positive")
	}

	var missing string
	switch c.Kind {
	case KindFile, KindSQLite:
		if c.Path == "" {
			missing = "path"
		}
	case KindNATS:
		switch {
		case c.URL == "":
			missing = "url"
		case c.Subject == "":
			missing = "subject"
		}
	case KindRedis:
		switch {
		case c.Addr == "":
			missing = "addr"
		case c.Stream == "":
			missing = "stream"
		}
	case KindWebSocket:
		if c.URL == "" {
			missing = "url"
		}
	}
	if missing != "" {
		return errFactory.WithMessage(ErrInvalidConfig, string(c.Kind)+" transport "+c.Name+" requires "+missing)
	}
	return nil
}
