package dbadapter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiDBDump = `-- MySQL dump 10.13  Distrib 8.0.36
SET NAMES utf8mb4;

--
-- Current Database: ` + "`shop`" + `
--

CREATE DATABASE /*!32312 IF NOT EXISTS*/ ` + "`shop`" + ` /*!40100 DEFAULT CHARACTER SET utf8mb4 */;

USE ` + "`shop`" + `;

CREATE TABLE orders (id int);
INSERT INTO orders VALUES (1);

--
-- Current Database: ` + "`analytics`" + `
--

CREATE DATABASE /*!32312 IF NOT EXISTS*/ ` + "`analytics`" + `;

USE ` + "`analytics`" + `;

CREATE TABLE events (id int);
`

func TestRewriteSQLStreamRename(t *testing.T) {
	mapping := RestoreMapping{
		"shop":      {TargetName: "shop_restored", Selected: true},
		"analytics": {TargetName: "analytics", Selected: true},
	}

	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(multiDBDump), &out, mapping, false))
	result := out.String()

	assert.Contains(t, result, "CREATE DATABASE /*!32312 IF NOT EXISTS*/ `shop_restored`")
	assert.Contains(t, result, "USE `shop_restored`;")
	assert.NotContains(t, result, "USE `shop`;")
	assert.Contains(t, result, "USE `analytics`;")
	assert.Contains(t, result, "CREATE TABLE orders")
	assert.Contains(t, result, "CREATE TABLE events")
	assert.Contains(t, result, "SET NAMES utf8mb4;")
}

func TestRewriteSQLStreamDropsUnselected(t *testing.T) {
	mapping := RestoreMapping{
		"shop":      {TargetName: "shop", Selected: true},
		"analytics": {TargetName: "analytics", Selected: false},
	}

	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(multiDBDump), &out, mapping, false))
	result := out.String()

	assert.Contains(t, result, "CREATE TABLE orders")
	assert.NotContains(t, result, "CREATE TABLE events")
	assert.NotContains(t, result, "`analytics`")
}

func TestRewriteSQLStreamStripSwitching(t *testing.T) {
	mapping := RestoreMapping{
		"shop": {TargetName: "shop_copy", Selected: true},
	}

	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(multiDBDump), &out, mapping, true))
	result := out.String()

	// the client is started with the target database selected, so no
	// switching statements may survive
	assert.NotContains(t, result, "USE `")
	assert.NotContains(t, result, "CREATE DATABASE")
	assert.Contains(t, result, "CREATE TABLE orders")
	assert.NotContains(t, result, "CREATE TABLE events")
}

func TestRewriteSQLStreamLongInsertLines(t *testing.T) {
	// Extended-INSERT lines from mysqldump are bounded only by the server's
	// max_allowed_packet; the rewriter must pass them through untouched.
	longValues := strings.Repeat("('x','payload-payload-payload'),", 100_000)
	longInsert := "INSERT INTO orders VALUES " + longValues[:len(longValues)-1] + ";"
	require.Greater(t, len(longInsert), 2_000_000)

	dump := "-- Current Database: `app`\n" +
		"USE `app`;\n" +
		longInsert + "\n" +
		"-- Current Database: `scratch`\n" +
		"USE `scratch`;\n" +
		"INSERT INTO tmp VALUES " + longValues[:len(longValues)-1] + ";\n"

	mapping := RestoreMapping{
		"app": {TargetName: "app2", Selected: true},
	}

	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(dump), &out, mapping, false))
	result := out.String()

	assert.Contains(t, result, "USE `app2`;")
	assert.Contains(t, result, longInsert+"\n")
	// the unselected section's long line is dropped along with its header
	assert.NotContains(t, result, "`scratch`")
	assert.NotContains(t, result, "INSERT INTO tmp")
}

func TestRewriteSQLStreamLongFinalLineWithoutNewline(t *testing.T) {
	longInsert := "INSERT INTO t VALUES " + strings.Repeat("(1),", 50_000) + "(1);"
	dump := "SET NAMES utf8mb4;\n" + longInsert

	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(dump), &out, nil, false))

	assert.Contains(t, out.String(), longInsert)
}

func TestRewriteSQLStreamEmptyMappingPassesThrough(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RewriteSQLStream(strings.NewReader(multiDBDump), &out, nil, false))

	assert.Equal(t, multiDBDump, out.String())
}
