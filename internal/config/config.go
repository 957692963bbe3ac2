// Package config reads the warehouse settings file.
//
// The file is INI (dwh.cfg) or YAML with the same sections:
//
//	[S3]        LOG_DATA, SONG_DATA, LOG_JSONPATH, REGION (optional)
//	[IAM_ROLE]  ARN
//	[CLUSTER]   HOST, DB_NAME, DB_USER, DB_PASSWORD, DB_PORT
//	[WAREHOUSE] DIALECT, DUCKDB_PATH (optional section)
//
// S3 and IAM_ROLE are required; a missing key fails the load with the INI
// reader's own error wrapped in ErrMissingSetting.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/iamrole"
)

// Common errors.
var (
	ErrMissingSetting = errors.New("missing setting")
	ErrInvalidSetting = errors.New("invalid setting")
)

const (
	// EnvConfigPath selects the settings file.
	EnvConfigPath = "DWH_CONFIG"
	// EnvDBPassword overrides CLUSTER.DB_PASSWORD.
	EnvDBPassword = "DWH_DB_PASSWORD"

	// DefaultPath is used when EnvConfigPath is unset.
	DefaultPath = "dwh.cfg"
	// DefaultPort is the Redshift default port.
	DefaultPort = 5439
)

// Section and key names.
const (
	sectionS3        = "S3"
	sectionIAMRole   = "IAM_ROLE"
	sectionCluster   = "CLUSTER"
	sectionWarehouse = "WAREHOUSE"
)

// Settings holds everything read from the settings file.
type Settings struct {
	S3        S3
	IAMRole   IAMRole
	Cluster   Cluster
	Warehouse Warehouse
}

// S3 holds the raw data locations.
type S3 struct {
	LogData     string
	SongData    string
	LogJSONPath string
	Region      string
}

// IAMRole holds the role the warehouse assumes to read S3.
type IAMRole struct {
	ARN string
}

// Cluster holds the Redshift connection settings.
type Cluster struct {
	Host       string
	DBName     string
	DBUser     string
	DBPassword string
	DBPort     int
}

// Warehouse selects the engine.
type Warehouse struct {
	Dialect    catalog.Dialect
	DuckDBPath string // empty means in-memory
}

// Format is a settings file format.
type Format string

const (
	FormatINI  Format = "ini"
	FormatYAML Format = "yaml"
)

// FormatOf infers the format from a file extension. Anything that is not
// YAML is read as INI, like dwh.cfg.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatINI
}

// PathFromEnv returns the settings path from DWH_CONFIG, or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates the settings file at path, then applies
// environment overrides.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	s, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if pw := os.Getenv(EnvDBPassword); pw != "" {
		s.Cluster.DBPassword = pw
	}
	return s, nil
}

// Parse decodes settings in the given format.
func Parse(data []byte, format Format) (*Settings, error) {
	var (
		f   *ini.File
		err error
	)
	switch format {
	case FormatINI:
		f, err = ini.LoadSources(loadOptions(), data)
		if err != nil {
			return nil, fmt.Errorf("parsing ini settings: %w", err)
		}
	case FormatYAML:
		f, err = yamlToINI(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidSetting, format)
	}
	return fromINI(f)
}

func loadOptions() ini.LoadOptions {
	// Keys are case-insensitive and values are taken verbatim, as
	// Python's configparser reads dwh.cfg.
	return ini.LoadOptions{
		InsensitiveKeys:     true,
		IgnoreInlineComment: true,
	}
}

// yamlToINI maps a two-level YAML document onto INI sections so both
// formats share lookup and error behaviour.
func yamlToINI(data []byte) (*ini.File, error) {
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml settings: %w", err)
	}

	f := ini.Empty(loadOptions())
	for name, keys := range doc {
		sec, err := f.NewSection(strings.ToUpper(name))
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", name, err)
		}
		for k, v := range keys {
			val := ""
			if v != nil {
				val = fmt.Sprint(v)
			}
			if _, err := sec.NewKey(strings.ToUpper(k), val); err != nil {
				return nil, fmt.Errorf("key %s.%s: %w", name, k, err)
			}
		}
	}
	return f, nil
}

func fromINI(f *ini.File) (*Settings, error) {
	var (
		s   Settings
		err error
	)

	required := []struct {
		section, key string
		dst          *string
	}{
		{sectionS3, "LOG_DATA", &s.S3.LogData},
		{sectionS3, "SONG_DATA", &s.S3.SongData},
		{sectionS3, "LOG_JSONPATH", &s.S3.LogJSONPath},
		{sectionIAMRole, "ARN", &s.IAMRole.ARN},
	}
	for _, r := range required {
		if *r.dst, err = lookup(f, r.section, r.key); err != nil {
			return nil, err
		}
	}

	s.S3.Region = optional(f, sectionS3, "REGION")

	s.Cluster = Cluster{
		Host:       optional(f, sectionCluster, "HOST"),
		DBName:     optional(f, sectionCluster, "DB_NAME"),
		DBUser:     optional(f, sectionCluster, "DB_USER"),
		DBPassword: optional(f, sectionCluster, "DB_PASSWORD"),
		DBPort:     DefaultPort,
	}
	if p := optional(f, sectionCluster, "DB_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %s.DB_PORT %q", ErrInvalidSetting, sectionCluster, p)
		}
		s.Cluster.DBPort = port
	}

	s.Warehouse.Dialect = catalog.Redshift
	if d := optional(f, sectionWarehouse, "DIALECT"); d != "" {
		if s.Warehouse.Dialect, err = catalog.ParseDialect(strings.ToLower(d)); err != nil {
			return nil, fmt.Errorf("%w: %s.DIALECT: %w", ErrInvalidSetting, sectionWarehouse, err)
		}
	}
	s.Warehouse.DuckDBPath = optional(f, sectionWarehouse, "DUCKDB_PATH")

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if _, err := iamrole.ParseRoleARN(s.IAMRole.ARN); err != nil {
		return fmt.Errorf("%w: %s.ARN: %w", ErrInvalidSetting, sectionIAMRole, err)
	}

	uris := []struct{ key, val string }{
		{"LOG_DATA", s.S3.LogData},
		{"SONG_DATA", s.S3.SongData},
	}
	if s.S3.LogJSONPath != catalog.AutoJSONPaths {
		uris = append(uris, struct{ key, val string }{"LOG_JSONPATH", s.S3.LogJSONPath})
	}
	for _, u := range uris {
		if u.val == "" {
			return fmt.Errorf("%w: %s.%s is empty", ErrInvalidSetting, sectionS3, u.key)
		}
		// DuckDB also reads local paths; Redshift COPY only reads S3.
		if s.Warehouse.Dialect == catalog.Redshift {
			if err := checkS3URI(u.val); err != nil {
				return fmt.Errorf("%w: %s.%s: %w", ErrInvalidSetting, sectionS3, u.key, err)
			}
		}
	}
	return nil
}

func checkS3URI(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return fmt.Errorf("%q is not an s3://bucket/prefix URI", s)
	}
	return nil
}

// CopySource returns the values substituted into the bulk-load statements.
func (s *Settings) CopySource() catalog.CopySource {
	return catalog.CopySource{
		LogData:     s.S3.LogData,
		SongData:    s.S3.SongData,
		LogJSONPath: s.S3.LogJSONPath,
		RoleARN:     s.IAMRole.ARN,
		Region:      s.S3.Region,
	}
}

// DSN returns a postgres:// connection string for the cluster.
func (c Cluster) DSN() (string, error) {
	for _, f := range []struct{ key, val string }{
		{"HOST", c.Host},
		{"DB_NAME", c.DBName},
		{"DB_USER", c.DBUser},
	} {
		if f.val == "" {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingSetting, sectionCluster, f.key)
		}
	}

	port := c.DBPort
	if port == 0 {
		port = DefaultPort
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.DBName,
	}
	return u.String(), nil
}

func lookup(f *ini.File, section, key string) (string, error) {
	sec, err := f.GetSection(section)
	if err != nil {
		return "", fmt.Errorf("%w: %s.%s: %w", ErrMissingSetting, section, key, err)
	}
	k, err := sec.GetKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s.%s: %w", ErrMissingSetting, section, key, err)
	}
	return unquote(k.String()), nil
}

func optional(f *ini.File, section, key string) string {
	v, err := lookup(f, section, key)
	if err != nil {
		return ""
	}
	return v
}

// unquote strips one pair of matching quotes, as dwh.cfg values are often
// written LOG_DATA='s3://udacity-dend/log_data'.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
