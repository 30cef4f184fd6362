package auditlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-menshen/pkg/models"
)

func record(id int64) *models.RequestRecord {
	return models.NewRequestRecord(id, 1, "GET", "/admin", "HTTP/1.1",
		map[string]string{"Host": "example.com"}, nil, "8.8.8.8", 1756700000)
}

func boolPtr(v bool) *bool { return &v }

func readEntries(t *testing.T, dir string) []map[string]interface{} {
	t.Helper()
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	raw, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)

	// 整个文件必须是合法的JSON数组
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &entries))
	return entries
}

func TestLogProducesValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeAll)
	require.NoError(t, err)

	l.Log(record(1), boolPtr(true), nil)
	l.Log(record(2), boolPtr(false), boolPtr(false))
	require.NoError(t, l.Close())

	entries := readEntries(t, dir)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, float64(1), first["id"])
	assert.Equal(t, float64(1), first["connection-id"])
	req := first["request"].(map[string]interface{})
	assert.Equal(t, "GET", req["method"])
	assert.Equal(t, "/admin", req["uri"])
	sender := first["sender"].(map[string]interface{})
	assert.Equal(t, "8.8.8.8", sender["ip"])

	prp := first["prp"].(map[string]interface{})
	assert.Equal(t, true, prp["assumed_safe"])
	// 没走验证码链路时为unknown
	assert.Equal(t, "unknown", prp["captcha_solved"])

	prp = entries[1]["prp"].(map[string]interface{})
	assert.Equal(t, false, prp["assumed_safe"])
	assert.Equal(t, false, prp["captcha_solved"])
}

func TestBlockedModeSkipsSafeRequests(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeBlocked)
	require.NoError(t, err)

	l.Log(record(1), boolPtr(true), nil)  // 安全，跳过
	l.Log(record(2), boolPtr(false), nil) // 拦截，记录
	l.Log(record(3), nil, nil)            // 判定出错（unknown），记录
	require.NoError(t, l.Close())

	entries := readEntries(t, dir)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(2), entries[0]["id"])
	assert.Equal(t, "unknown", entries[1]["prp"].(map[string]interface{})["assumed_safe"])
}

func TestOffModeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeOff)
	require.NoError(t, err)

	l.Log(record(1), boolPtr(false), nil)
	require.NoError(t, l.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCloseWithoutEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeAll)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	entries := readEntries(t, dir)
	assert.Empty(t, entries)
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeAll)
	require.NoError(t, err)

	l.Log(record(1), boolPtr(false), nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	entries := readEntries(t, dir)
	assert.Len(t, entries, 1)
}

func TestLogAfterCloseDropped(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, ModeAll)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	l.Log(record(1), boolPtr(false), nil)

	entries := readEntries(t, dir)
	assert.Empty(t, entries)
}
