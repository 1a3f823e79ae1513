package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SLAConfig accepts the mapping form (preferred):
//
//	SLA:
//	  CRITICAL: {min: 90, priority_id: 1}
//	  HIGH:     {min: 70, priority_id: 2}
//
// or the list form:
//
//	SLA:
//	  - tier: CRITICAL
//	    min: 90
//	    priority_id: 1
//
// cw_priority_id is accepted as an alias of priority_id.
type SLAConfig struct {
	Rows []SLATier
}

type slaRow struct {
	Tier         string `yaml:"tier"`
	Min          int    `yaml:"min"`
	PriorityID   *int   `yaml:"priority_id"`
	CWPriorityID *int   `yaml:"cw_priority_id"`
}

func (r slaRow) toTier(tier string) SLATier {
	t := SLATier{Tier: NormalizeTier(tier), Min: r.Min}
	switch {
	case r.PriorityID != nil:
		t.PriorityID = *r.PriorityID
	case r.CWPriorityID != nil:
		t.PriorityID = *r.CWPriorityID
	}
	return t
}

func (s *SLAConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		rows := make([]SLATier, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			tier := strings.TrimSpace(k.Value)
			if tier == "" {
				continue
			}
			if v.Kind != yaml.MappingNode {
				return fmt.Errorf("SLA.%s: expected mapping with min and priority_id (line %d)", tier, v.Line)
			}
			var row slaRow
			if err := v.Decode(&row); err != nil {
				return err
			}
			rows = append(rows, row.toTier(tier))
		}
		s.Rows = rows
		return nil
	case yaml.SequenceNode:
		var raw []slaRow
		if err := value.Decode(&raw); err != nil {
			return err
		}
		rows := make([]SLATier, 0, len(raw))
		for _, r := range raw {
			rows = append(rows, r.toTier(r.Tier))
		}
		s.Rows = rows
		return nil
	default:
		// ignore other kinds
		return nil
	}
}

type DatabaseConfig struct {
	// Path of the sqlite file. Defaults to <data_dir>/case-sync.db.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

type CheckpointStoreConfig struct {
	// Backend is sqlite (default) or redis.
	Backend string      `yaml:"backend" validate:"oneof=sqlite redis"`
	Redis   RedisConfig `yaml:"redis"`
}

type StatusServerConfig struct {
	// Addr enables the status server when non-empty, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type OwnerAuditConfig struct {
	Type    string `yaml:"type"`
	SubType string `yaml:"subtype"`
}

type SyncConfig struct {
	Status         bool              `yaml:"status"`
	StatusMap      map[string]string `yaml:"status_map"`
	TicketOwner    bool              `yaml:"ticket_owner"`
	ForceOwnerSync bool              `yaml:"force_owner_sync"`
	Notes          bool              `yaml:"notes"`
	AuditRecords   bool              `yaml:"audit_records"`
	OwnerAudit     OwnerAuditConfig  `yaml:"owner_audit"`
}

type TicketConfig struct {
	DefaultCompany                  string `yaml:"default_company" validate:"required"`
	AvoidCompanyLookup              bool   `yaml:"avoid_company_lookup"`
	DefaultBoard                    string `yaml:"default_board" validate:"required"`
	AvoidBoardLookup                bool   `yaml:"avoid_board_lookup"`
	SummaryPrefix                   string `yaml:"summary_prefix"`
	SummaryPrefixIncludesTenant     bool   `yaml:"summary_prefix_includes_tenant_name"`
	SummaryPrefixIncludesCaseNumber bool   `yaml:"summary_prefix_includes_case_number"`
	// Status is sent verbatim on create; empty leaves the remote default.
	Status string `yaml:"status"`
}

// RemoteConfig tunes the HTTP transport of one remote system.
type RemoteConfig struct {
	// Codebase skips codebase discovery on the ticketing system when set.
	Codebase          string        `yaml:"codebase"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	MaxRetryElapsed   time.Duration `yaml:"max_retry_elapsed"`
}

type FileConfig struct {
	Debug                  bool   `yaml:"debug"`
	LogFile                string `yaml:"log_file"`
	PollingIntervalMinutes int    `yaml:"polling_interval_minutes" validate:"gte=0"`
	// DataDir holds the database and any legacy checkpoint files.
	DataDir string `yaml:"data_dir"`

	Database        DatabaseConfig        `yaml:"database"`
	CheckpointStore CheckpointStoreConfig `yaml:"checkpoint_store"`
	StatusServer    StatusServerConfig    `yaml:"status_server"`

	Sync   SyncConfig   `yaml:"sync"`
	Ticket TicketConfig `yaml:"ticket"`

	// TenantMap renames case tenants to ticketing companies.
	TenantMap map[string]string `yaml:"tenant_map"`
	SLA       SLAConfig         `yaml:"SLA"`

	RTS RemoteConfig `yaml:"rts"`
	CMS RemoteConfig `yaml:"cms"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Call it after command-line overrides so
// derived paths follow an overridden data_dir.
func (c *FileConfig) ApplyDefaults() {
	if c.PollingIntervalMinutes == 0 {
		c.PollingIntervalMinutes = 5
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "."
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = filepath.Join(c.DataDir, "case-sync.db")
	}
	if c.CheckpointStore.Backend == "" {
		c.CheckpointStore.Backend = "sqlite"
	}
	if c.CheckpointStore.Redis.KeyPrefix == "" {
		c.CheckpointStore.Redis.KeyPrefix = "case-sync:"
	}
	if c.Sync.OwnerAudit.Type == "" {
		c.Sync.OwnerAudit.Type = "Resource"
	}
	if c.Sync.OwnerAudit.SubType == "" {
		c.Sync.OwnerAudit.SubType = "Owner"
	}
}

func (c *FileConfig) PollInterval() time.Duration {
	return time.Duration(c.PollingIntervalMinutes) * time.Minute
}

// Validate checks the file settings and returns a *ConfigurationError on the
// first problem.
func (c *FileConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return asConfigurationError(err)
	}
	if c.CheckpointStore.Backend == "redis" && strings.TrimSpace(c.CheckpointStore.Redis.Addr) == "" {
		return &ConfigurationError{Field: "checkpoint_store.redis.addr", Reason: "required for the redis backend"}
	}
	if _, err := NewSLATable(c.SLA.Rows); err != nil {
		return err
	}
	return nil
}

// ReconcilerConfig derives the reconciler settings from the file.
func (c *FileConfig) ReconcilerConfig() (ReconcilerConfig, error) {
	sla, err := NewSLATable(c.SLA.Rows)
	if err != nil {
		return ReconcilerConfig{}, err
	}
	return ReconcilerConfig{
		SyncStatus:       c.Sync.Status,
		StatusMap:        NewStatusMapper(c.Sync.StatusMap),
		SyncOwner:        c.Sync.TicketOwner,
		ForceOwnerSync:   c.Sync.ForceOwnerSync,
		SyncNotes:        c.Sync.Notes,
		SyncAuditRecords: c.Sync.AuditRecords,
		OwnerAuditType:   c.Sync.OwnerAudit.Type,
		OwnerAuditSub:    c.Sync.OwnerAudit.SubType,
		Summary: SummaryOptions{
			Prefix:            c.Ticket.SummaryPrefix,
			IncludeTenant:     c.Ticket.SummaryPrefixIncludesTenant,
			IncludeCaseNumber: c.Ticket.SummaryPrefixIncludesCaseNumber,
		},
		DefaultBoard: c.Ticket.DefaultBoard,
		TicketStatus: c.Ticket.Status,
		SLA:          sla,
	}, nil
}

// Secrets are the credentials and hosts read from the environment.
type Secrets struct {
	RTSHost       string `env:"RTS_HOST" validate:"required,hostname_port|hostname_rfc1123"`
	RTSCompanyID  string `env:"RTS_COMPANY_ID" validate:"required"`
	RTSPublicKey  string `env:"RTS_PUBLIC_KEY" validate:"required"`
	RTSPrivateKey string `env:"RTS_PRIVATE_KEY" validate:"required"`
	RTSClientID   string `env:"RTS_CLIENT_ID" validate:"required"`
	CMSHost       string `env:"CMS_HOST" validate:"required,hostname_port|hostname_rfc1123"`
	CMSUser       string `env:"CMS_USER" validate:"required"`
	CMSAPIKey     string `env:"CMS_API_KEY" validate:"required"`
}

// LoadSecrets reads the environment, after loading envFile (if it exists)
// into it. Variables already set in the environment win over the file.
func LoadSecrets(envFile string) (Secrets, error) {
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, &ConfigurationError{Field: envFile, Reason: err.Error()}
		}
	}
	s := Secrets{}
	v := reflect.ValueOf(&s).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("env")
		v.Field(i).SetString(strings.TrimSpace(os.Getenv(name)))
	}
	if err := validate.Struct(s); err != nil {
		return Secrets{}, asConfigurationError(err)
	}
	return s, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report env names for secrets and yaml keys for file settings.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func asConfigurationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigurationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	reason := "failed " + fe.Tag()
	if fe.Tag() == "required" {
		reason = "missing"
	} else if fe.Param() != "" {
		reason = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return &ConfigurationError{Field: field, Reason: reason}
}
