package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestTagSet(t *testing.T) {
	var s TagSet
	assert.False(t, s.Has(Persisted))

	s.Add(Persisted)
	s.Add(Blacklisted)
	assert.True(t, s.Has(Persisted))
	assert.True(t, s.Has(Blacklisted))
	assert.False(t, s.Has(Whitelisted))
	assert.True(t, s.Any(Whitelisted|Blacklisted))
	assert.Equal(t, "persisted|blacklisted", s.String())

	// Removing an absent tag must not set it.
	s.Remove(Whitelisted)
	assert.False(t, s.Has(Whitelisted))

	s.Remove(Blacklisted)
	assert.False(t, s.Has(Blacklisted))
	assert.True(t, s.Has(Persisted))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report-pdf"},
		{"Rapport Été (final).PDF", "rapport-ete-final-pdf"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"___", ""},
		{"Œuvre №5", "uvre-no5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestNew(t *testing.T) {
	path := writeFile(t, "notes.txt", []byte("hello world\n"))

	c, err := New("notes.txt", path, "", uuid.Nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.ID())
	assert.True(t, c.IsRoot())
	assert.Equal(t, "text/plain", c.MIMEType)
	assert.Contains(t, c.MIMEText, "text/plain")
	assert.Equal(t, int64(12), c.Size)
	assert.Equal(t, "notes-txt", c.Slug)
	assert.Equal(t, c.Path, c.OriginalPath)

	child, err := New("child", path, "/evidence/archive.zip/notes.txt", c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), child.Parent())
	assert.False(t, child.IsRoot())
	assert.Equal(t, "/evidence/archive.zip/notes.txt", child.OriginalPath)
}

func TestNewRejectsDirectory(t *testing.T) {
	_, err := New("dir", t.TempDir(), "", uuid.Nil)
	assert.Error(t, err)

	_, err = New("missing", filepath.Join(t.TempDir(), "missing"), "", uuid.Nil)
	assert.Error(t, err)
}

func TestRecordRoundTrip(t *testing.T) {
	path := writeFile(t, "empty.bin", nil)
	c, err := New("empty.bin", path, "", uuid.Nil)
	require.NoError(t, err)
	c.Tags.Add(Persisted)

	rec := c.Record()
	require.NoError(t, rec.Validate())
	assert.Equal(t, Index, rec.Index)
	assert.Equal(t, c.ID().String(), rec.Key())

	// Connectors decoding JSON hand numbers back as float64.
	rec.Source["size"] = float64(0)
	got, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
	assert.Equal(t, c.Parent(), got.Parent())
	assert.Equal(t, c.Path, got.Path)
	assert.Equal(t, c.MIMEType, got.MIMEType)
	assert.True(t, got.Tags.Has(Persisted))

	rec.Index = "hash"
	_, err = FromRecord(rec)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	path := writeFile(t, "data", []byte("abc"))
	c, err := New("data", path, "", uuid.Nil)
	require.NoError(t, err)

	f, err := c.Open()
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 3)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))
}
