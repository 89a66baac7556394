/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package store

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQLStatementsHandlesDollarBodies(t *testing.T) {
	content := `
-- leading comment; with a semicolon
CREATE TABLE a (id INT);
CREATE FUNCTION f() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'no; way';
END;
$$ LANGUAGE plpgsql;
DO $guard$ BEGIN PERFORM 1; END $guard$;
INSERT INTO a VALUES ('x;y');
`

	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 4)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.True(t, strings.HasSuffix(stmts[1], "LANGUAGE plpgsql"))
	assert.True(t, strings.HasPrefix(stmts[2], "DO $guard$"))
	assert.Equal(t, "INSERT INTO a VALUES ('x;y')", stmts[3])
}

func TestSplitEmbeddedPostgresMigration(t *testing.T) {
	defs, err := loadMigrations(migrationsFS, "migrations/postgres")
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	stmts := splitSQLStatements(defs[0].sql)
	assert.Greater(t, len(stmts), 20)

	for _, stmt := range stmts {
		assert.NotEqual(t, "END", strings.TrimSpace(stmt))
	}
}

func TestRebindPositional(t *testing.T) {
	got := rebindPositional("SELECT '?' , x FROM t WHERE a = ? AND b = ? -- trailing ?\n")
	assert.Equal(t, "SELECT '?' , x FROM t WHERE a = $1 AND b = $2 \n", got)
	assert.Equal(t, "SELECT 1", rebindPositional("SELECT 1"))
}

func TestLoadMigrationsOrdersAndChecksums(t *testing.T) {
	fsys := fstest.MapFS{
		"m/00002_second.up.sql":  {Data: []byte("SELECT 2;")},
		"m/00001_first.up.sql":   {Data: []byte("SELECT 1;")},
		"m/00001_first.down.sql": {Data: []byte("SELECT 0;")},
		"m/README.md":            {Data: []byte("x")},
	}

	defs, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 1, defs[0].version)
	assert.Equal(t, "first", defs[0].name)
	assert.Len(t, defs[0].checksum, 64)
	assert.NotEqual(t, defs[0].checksum, defs[1].checksum)

	fsys["m/00002_dup.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 3;")}
	_, err = loadMigrations(fsys, "m")
	require.Error(t, err)
}
