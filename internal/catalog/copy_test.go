package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRole = "arn:aws:iam::123456789012:role/dwhRole"

func s3Source() CopySource {
	return CopySource{
		LogData:     "s3://udacity-dend/log_data",
		SongData:    "s3://udacity-dend/song_data",
		LogJSONPath: "s3://udacity-dend/log_json_path.json",
		RoleARN:     testRole,
	}
}

func TestCopy_Redshift(t *testing.T) {
	c := MustNew(Redshift)

	stmts, err := c.Copy(s3Source())
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	assert.Equal(t, []string{StagingEvents, StagingSongs}, tables(stmts))
	assert.Equal(t, "COPY staging_events FROM 's3://udacity-dend/log_data'\n"+
		"CREDENTIALS 'aws_iam_role=arn:aws:iam::123456789012:role/dwhRole'\n"+
		"FORMAT AS JSON 's3://udacity-dend/log_json_path.json';", stmts[0].SQL)
	assert.Equal(t, "COPY staging_songs FROM 's3://udacity-dend/song_data'\n"+
		"CREDENTIALS 'aws_iam_role=arn:aws:iam::123456789012:role/dwhRole'\n"+
		"FORMAT AS JSON 'auto';", stmts[1].SQL)

	assert.Empty(t, c.Session(s3Source()), "redshift assumes the role itself")

	_, ok := c.JSONPathsQuery(s3Source())
	assert.False(t, ok, "redshift reads the jsonpaths document itself")
}

func TestCopy_RedshiftRegion(t *testing.T) {
	src := s3Source()
	src.Region = "us-west-2"

	stmts, err := MustNew(Redshift).Copy(src)
	require.NoError(t, err)
	for _, s := range stmts {
		assert.True(t, strings.HasSuffix(s.SQL, "\nREGION 'us-west-2';"), s.SQL)
	}
}

func TestCopy_QuotesValues(t *testing.T) {
	src := s3Source()
	src.LogData = "s3://bucket/o'neil"

	stmts, err := MustNew(Redshift).Copy(src)
	require.NoError(t, err)
	assert.Contains(t, stmts[0].SQL, "FROM 's3://bucket/o''neil'")
}

func TestCopy_Incomplete(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		mutate  func(*CopySource)
	}{
		{name: "no log data", dialect: Redshift, mutate: func(s *CopySource) { s.LogData = "" }},
		{name: "no song data", dialect: Redshift, mutate: func(s *CopySource) { s.SongData = "" }},
		{name: "no jsonpath", dialect: Redshift, mutate: func(s *CopySource) { s.LogJSONPath = "" }},
		{name: "no role", dialect: Redshift, mutate: func(s *CopySource) { s.RoleARN = "" }},
		{name: "paths not read", dialect: DuckDB, mutate: func(s *CopySource) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := s3Source()
			tt.mutate(&src)

			_, err := MustNew(tt.dialect).Copy(src)
			assert.ErrorIs(t, err, ErrIncompleteSource)
		})
	}
}

func TestCopy_DuckDBAuto(t *testing.T) {
	c := MustNew(DuckDB)
	src := CopySource{
		LogData:     "/data/log_data",
		SongData:    "/data/song_data/A/A/song.json",
		LogJSONPath: AutoJSONPaths,
	}

	stmts, err := c.Copy(src)
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	events := stmts[0].SQL
	assert.True(t, strings.HasPrefix(events, "INSERT INTO staging_events (artist, auth, firstName,"), events)
	assert.Contains(t, events, "json_extract_string(json, '$.artist') AS artist,")
	assert.Contains(t, events, "TRY_CAST(json_extract_string(json, '$.userId') AS INTEGER) AS userId")
	assert.Contains(t, events, "TRY_CAST(json_extract_string(json, '$.ts') AS BIGINT) AS ts")
	assert.Contains(t, events, "FROM read_json_objects('/data/log_data/**/*.json', format = 'auto');")

	songs := stmts[1].SQL
	assert.Contains(t, songs, "FROM read_json_objects('/data/song_data/A/A/song.json', format = 'auto');")
	assert.Contains(t, songs, "TRY_CAST(json_extract_string(json, '$.duration') AS DOUBLE) AS duration")

	assert.Empty(t, c.Session(src), "local sources need no secret")
}

func TestCopy_DuckDBJSONPaths(t *testing.T) {
	c := MustNew(DuckDB)
	src := s3Source()

	q, ok := c.JSONPathsQuery(src)
	require.True(t, ok)
	assert.Equal(t, "SELECT content FROM read_text('s3://udacity-dend/log_json_path.json');", q)

	cols, err := StagingColumns(StagingEvents)
	require.NoError(t, err)
	src.LogPaths = make([]string, len(cols))
	for i, col := range cols {
		src.LogPaths[i] = `$."` + col.Name + `"`
	}

	_, ok = c.JSONPathsQuery(src)
	assert.False(t, ok, "paths already read")

	stmts, err := c.Copy(src)
	require.NoError(t, err)
	assert.Contains(t, stmts[0].SQL, `json_extract_string(json, '$."page"') AS page`)
	assert.Contains(t, stmts[0].SQL, "read_json_objects('s3://udacity-dend/log_data/**/*.json'")
	assert.Contains(t, stmts[1].SQL, "'$.song_id'", "songs always map by key name")

	src.LogPaths = src.LogPaths[:3]
	_, err = c.Copy(src)
	assert.ErrorIs(t, err, ErrJSONPathsMismatch)
}

func TestSession_DuckDB(t *testing.T) {
	c := MustNew(DuckDB)

	src := s3Source()
	src.Region = "us-west-2"

	stmts := c.Session(src)
	require.Len(t, stmts, 1)
	assert.Equal(t, "CREATE OR REPLACE SECRET sparkify_s3 (\n"+
		"    TYPE s3,\n"+
		"    PROVIDER credential_chain,\n"+
		"    REGION 'us-west-2'\n"+
		");", stmts[0].SQL)

	src.Credentials = &Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret", SessionToken: "token"}
	stmts = c.Session(src)
	require.Len(t, stmts, 1)
	assert.Equal(t, "CREATE OR REPLACE SECRET sparkify_s3 (\n"+
		"    TYPE s3,\n"+
		"    KEY_ID 'AKIA',\n"+
		"    SECRET 'secret',\n"+
		"    SESSION_TOKEN 'token',\n"+
		"    REGION 'us-west-2'\n"+
		");", stmts[0].SQL)
}

func TestJSONGlob(t *testing.T) {
	tests := map[string]string{
		"s3://udacity-dend/log_data":      "s3://udacity-dend/log_data/**/*.json",
		"s3://udacity-dend/log_data/":     "s3://udacity-dend/log_data/**/*.json",
		"data/song_data/*/*/*.json":       "data/song_data/*/*/*.json",
		"data/log_data/2018-11-01.json":   "data/log_data/2018-11-01.json",
		"/abs/path/events-??.ndjson.json": "/abs/path/events-??.ndjson.json",
	}
	for in, want := range tests {
		assert.Equal(t, want, jsonGlob(in), in)
	}
}

func TestStagingColumns_Unknown(t *testing.T) {
	_, err := StagingColumns(Songplays)
	assert.ErrorIs(t, err, ErrUnknownTable)
}
