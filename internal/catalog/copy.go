package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// AutoJSONPaths maps JSON keys to columns by name instead of by a paths document.
const AutoJSONPaths = "auto"

// ErrIncompleteSource is returned when a CopySource lacks a required value.
var ErrIncompleteSource = errors.New("incomplete copy source")

// CopySource carries the resolved settings substituted into the bulk-load
// statements.
type CopySource struct {
	LogData     string // event log location
	SongData    string // song metadata location
	LogJSONPath string // jsonpaths document location, or "auto"
	RoleARN     string // IAM role the warehouse assumes to read the sources
	Region      string // optional bucket region

	// LogPaths holds the column-ordered paths of the LogJSONPath document
	// once it has been read. Only engines that cannot read a jsonpaths
	// document themselves need it.
	LogPaths []string

	// Credentials are temporary keys issued for RoleARN, used by engines
	// that cannot assume a role on their own.
	Credentials *Credentials
}

// Credentials are temporary AWS credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Column is a staging column as the loader sees it.
type Column struct {
	Name string
	Type string
}

// StagingColumns returns the columns of a staging table in declaration
// order, which is also the order a jsonpaths document lists them in.
func StagingColumns(table string) ([]Column, error) {
	switch table {
	case StagingEvents:
		return []Column{
			{"artist", "VARCHAR"},
			{"auth", "VARCHAR"},
			{"firstName", "VARCHAR"},
			{"gender", "VARCHAR"},
			{"itemInSession", "INTEGER"},
			{"lastName", "VARCHAR"},
			{"length", "DOUBLE"},
			{"level", "VARCHAR"},
			{"location", "VARCHAR"},
			{"method", "VARCHAR"},
			{"page", "VARCHAR"},
			{"registration", "DOUBLE"},
			{"sessionId", "INTEGER"},
			{"song", "VARCHAR"},
			{"status", "INTEGER"},
			{"ts", "BIGINT"},
			{"userAgent", "VARCHAR"},
			{"userId", "INTEGER"},
		}, nil
	case StagingSongs:
		return []Column{
			{"num_songs", "INTEGER"},
			{"artist_id", "VARCHAR"},
			{"artist_latitude", "DOUBLE"},
			{"artist_longitude", "DOUBLE"},
			{"artist_location", "VARCHAR"},
			{"artist_name", "VARCHAR"},
			{"song_id", "VARCHAR"},
			{"title", "VARCHAR"},
			{"duration", "DOUBLE"},
			{"year", "INTEGER"},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q is not a staging table", ErrUnknownTable, table)
}

// Copy returns the two bulk-load statements, staging_events first.
func (c *Catalog) Copy(src CopySource) ([]Statement, error) {
	if err := src.validate(c.dialect); err != nil {
		return nil, err
	}

	switch c.dialect {
	case Redshift:
		return []Statement{
			{Group: GroupCopy, Table: StagingEvents, SQL: redshiftCopy(StagingEvents, src.LogData, src.RoleARN, src.LogJSONPath, src.Region)},
			{Group: GroupCopy, Table: StagingSongs, SQL: redshiftCopy(StagingSongs, src.SongData, src.RoleARN, AutoJSONPaths, src.Region)},
		}, nil
	case DuckDB:
		events, err := duckdbCopy(StagingEvents, src.LogData, src.logPaths())
		if err != nil {
			return nil, err
		}
		songs, err := duckdbCopy(StagingSongs, src.SongData, nil)
		if err != nil {
			return nil, err
		}
		return []Statement{
			{Group: GroupCopy, Table: StagingEvents, SQL: events},
			{Group: GroupCopy, Table: StagingSongs, SQL: songs},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, c.dialect)
}

// Session returns statements that must run on the connection before the
// copy statements. Redshift needs none: COPY assumes the role itself.
func (c *Catalog) Session(src CopySource) []Statement {
	if c.dialect != DuckDB || !src.Remote() {
		return nil
	}

	var b strings.Builder
	b.WriteString("CREATE OR REPLACE SECRET sparkify_s3 (\n    TYPE s3")
	if cr := src.Credentials; cr != nil {
		fmt.Fprintf(&b, ",\n    KEY_ID %s,\n    SECRET %s", quote(cr.AccessKeyID), quote(cr.SecretAccessKey))
		if cr.SessionToken != "" {
			fmt.Fprintf(&b, ",\n    SESSION_TOKEN %s", quote(cr.SessionToken))
		}
	} else {
		b.WriteString(",\n    PROVIDER credential_chain")
	}
	if src.Region != "" {
		fmt.Fprintf(&b, ",\n    REGION %s", quote(src.Region))
	}
	b.WriteString("\n);")

	return []Statement{{Group: GroupCopy, Table: "s3_secret", SQL: b.String()}}
}

// JSONPathsQuery returns a query that reads the jsonpaths document as a
// single text value, and false when the catalog does not need it.
func (c *Catalog) JSONPathsQuery(src CopySource) (string, bool) {
	if c.dialect != DuckDB || src.LogJSONPath == AutoJSONPaths || src.LogJSONPath == "" || src.LogPaths != nil {
		return "", false
	}
	return fmt.Sprintf("SELECT content FROM read_text(%s);", quote(src.LogJSONPath)), true
}

func (s CopySource) validate(d Dialect) error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s is empty", ErrIncompleteSource, name)
	}
	switch {
	case s.LogData == "":
		return missing("log data")
	case s.SongData == "":
		return missing("song data")
	case s.LogJSONPath == "":
		return missing("log jsonpath")
	case d == Redshift && s.RoleARN == "":
		return missing("role ARN")
	case d == DuckDB && s.LogJSONPath != AutoJSONPaths && s.LogPaths == nil:
		return fmt.Errorf("%w: jsonpaths document %s has not been read", ErrIncompleteSource, s.LogJSONPath)
	}
	return nil
}

func (s CopySource) logPaths() []string {
	if s.LogJSONPath == AutoJSONPaths {
		return nil
	}
	return s.LogPaths
}

// Remote reports whether any source lives in S3.
func (s CopySource) Remote() bool {
	for _, uri := range []string{s.LogData, s.SongData, s.LogJSONPath} {
		if strings.HasPrefix(uri, "s3://") {
			return true
		}
	}
	return false
}

func redshiftCopy(table, uri, roleARN, jsonPaths, region string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s FROM %s\n", table, quote(uri))
	fmt.Fprintf(&b, "CREDENTIALS %s\n", quote("aws_iam_role="+roleARN))
	fmt.Fprintf(&b, "FORMAT AS JSON %s", quote(jsonPaths))
	if region != "" {
		fmt.Fprintf(&b, "\nREGION %s", quote(region))
	}
	b.WriteString(";")
	return b.String()
}

// duckdbCopy reads JSON objects from uri and casts each extracted value to
// the staging column type. Values that do not cast become NULL, as a COPY
// of an empty string into a numeric column would.
func duckdbCopy(table, uri string, paths []string) (string, error) {
	cols, err := StagingColumns(table)
	if err != nil {
		return "", err
	}
	if paths != nil && len(paths) != len(cols) {
		return "", fmt.Errorf("%w: %d paths for %d %s columns", ErrJSONPathsMismatch, len(paths), len(cols), table)
	}

	names := make([]string, len(cols))
	exprs := make([]string, len(cols))
	for i, col := range cols {
		p := "$." + col.Name
		if paths != nil {
			p = paths[i]
		}
		names[i] = col.Name

		expr := fmt.Sprintf("json_extract_string(json, %s)", quote(p))
		if col.Type != "VARCHAR" {
			expr = fmt.Sprintf("TRY_CAST(%s AS %s)", expr, col.Type)
		}
		exprs[i] = fmt.Sprintf("    %s AS %s", expr, col.Name)
	}

	return fmt.Sprintf("INSERT INTO %s (%s)\nSELECT\n%s\nFROM read_json_objects(%s, format = 'auto');",
		table,
		strings.Join(names, ", "),
		strings.Join(exprs, ",\n"),
		quote(jsonGlob(uri)),
	), nil
}

// jsonGlob turns a COPY-style key prefix into a recursive glob.
func jsonGlob(uri string) string {
	if strings.ContainsAny(uri, "*?[") || strings.HasSuffix(uri, ".json") {
		return uri
	}
	return strings.TrimSuffix(uri, "/") + "/**/*.json"
}

// quote returns s as a single-quoted SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
