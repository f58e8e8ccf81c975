package couchsync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/util"
)

const (
	// DefaultDesignDoc is the design document holding the type and association views
	DefaultDesignDoc = "couchsync"
	// DefaultTypeView emits doc[typeTag].type for every tagged document
	DefaultTypeView = "by-type"
	// DefaultAssociationView emits (doc[key], doc[typeTag].type) for every key in doc[typeTag].belongsTo
	DefaultAssociationView = "by-association"
	// DefaultHeartbeat is the long-poll heartbeat interval
	DefaultHeartbeat = 10 * time.Second
	// DefaultBackoffBase is the first change feed retry delay
	DefaultBackoffBase = 100 * time.Millisecond
	// DefaultMaxConcurrentSaves limits the writes a commit issues at once
	DefaultMaxConcurrentSaves = 8
)

// ViewForType returns the view to query for every record of the type. params may be filled with
// additional view options; include_docs is always forced to true.
type ViewForType func(ts *TypeSchema, params map[string]any) string

// ConflictHook is called whenever a record becomes conflicted
type ConflictHook func(rec *Record, conflict *Conflict)

// Config configures an Adapter
type Config struct {
	// URL is the server root, ex: http://localhost:5984
	URL string `json:"url" validate:"required,url"`
	// DB is the database name
	DB string `json:"db" validate:"required"`
	// Username and Password enable basic auth when set
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// DesignDoc holds the type and association views
	DesignDoc string `json:"designDoc,omitempty"`
	// TypeView is the view used by FindAll
	TypeView string `json:"typeView,omitempty"`
	// AssociationView is the view used to materialize toMany relationships
	AssociationView string `json:"associationView,omitempty"`
	// TypeTag is the document attribute holding the type tag
	TypeTag string `json:"typeTag,omitempty"`
	// Naming selects the document key naming strategy: default or snake_case
	Naming string `json:"naming,omitempty" validate:"omitempty,oneof=default snake_case"`
	// IncludeEmptyRelationships writes null for empty toOne fields instead of omitting them
	IncludeEmptyRelationships bool `json:"includeEmptyRelationships,omitempty"`
	// Heartbeat is the long-poll heartbeat interval
	Heartbeat time.Duration `json:"heartbeat,omitempty"`
	// BackoffBase is the first change feed retry delay. It doubles on every consecutive failure.
	BackoffBase time.Duration `json:"backoffBase,omitempty"`
	// MaxBackoff caps the change feed retry delay. Zero means uncapped.
	MaxBackoff time.Duration `json:"maxBackoff,omitempty"`
	// MaxConcurrentSaves limits the writes a commit issues at once
	MaxConcurrentSaves int `json:"maxConcurrentSaves,omitempty" validate:"gte=0"`
	// LogLevel is the level of the default logger
	LogLevel string `json:"logLevel,omitempty"`

	// ViewForType overrides the view FindAll queries
	ViewForType ViewForType `json:"-"`
	// ConflictResolver decides how conflicted records are resolved. Nil leaves them conflicted.
	ConflictResolver ConflictResolver `json:"-"`
	// OnConflict is notified whenever a record becomes conflicted
	OnConflict ConflictHook `json:"-"`
	// NamingStrategy overrides Naming with a custom strategy
	NamingStrategy Naming `json:"-"`
	// Logger overrides the default logger
	Logger Logger `json:"-"`
	// HTTPClient overrides http.DefaultClient. Its timeout must exceed the heartbeat.
	HTTPClient *http.Client `json:"-"`
}

// SetDefaults fills every unset option with its default
func (c *Config) SetDefaults() {
	if c.DesignDoc == "" {
		c.DesignDoc = DefaultDesignDoc
	}
	if c.TypeView == "" {
		c.TypeView = DefaultTypeView
	}
	if c.AssociationView == "" {
		c.AssociationView = DefaultAssociationView
	}
	if c.TypeTag == "" {
		c.TypeTag = DefaultTypeTag
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxConcurrentSaves == 0 {
		c.MaxConcurrentSaves = DefaultMaxConcurrentSaves
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NamingStrategy == nil {
		switch c.Naming {
		case "snake_case":
			c.NamingStrategy = SnakeCaseNaming{}
		default:
			c.NamingStrategy = DefaultNaming{}
		}
	}
}

// Validate validates the config
func (c *Config) Validate() error {
	if err := util.ValidateStruct(c); err != nil {
		return err
	}
	if c.MaxBackoff != 0 && c.MaxBackoff < c.BackoffBase {
		return errors.New(errors.Validation, "maxBackoff (%s) is less than backoffBase (%s)", c.MaxBackoff, c.BackoffBase)
	}
	return nil
}

// LoadConfig loads a config from yaml or json content. Durations are written as strings, ex: 10s
func LoadConfig(content []byte) (Config, error) {
	var cfg Config
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return cfg, errors.Wrap(err, errors.Validation, "failed to parse config")
	}
	values := map[string]any{}
	if err := json.Unmarshal(jsonContent, &values); err != nil {
		return cfg, errors.Wrap(err, errors.Validation, "failed to decode config")
	}
	if err := util.Decode(values, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.Validation, "failed to decode config")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
