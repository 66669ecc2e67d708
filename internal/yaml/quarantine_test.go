package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestQuarantine(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "status.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("corrupted: [\n"), 0644))

	dst, err := Quarantine(baseDir, filePath)
	require.NoError(t, err)

	_, err = os.Stat(filePath)
	assert.True(t, os.IsNotExist(err), "original file should be removed after quarantine")

	entries, err := os.ReadDir(filepath.Join(baseDir, "quarantine"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(dst), entries[0].Name())
	assert.True(t, strings.HasPrefix(entries[0].Name(), "status.yaml."))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".corrupt"))
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "status.yaml")
	require.NoError(t, os.WriteFile(filePath+".bak", []byte("schema_version: 1\nfile_type: state_status\nentries: []\n"), 0644))

	require.NoError(t, RestoreFromBackup(filePath))
	assert.NoError(t, ValidateSchemaHeader(filePath, FileTypeStatus))
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	err := RestoreFromBackup(filepath.Join(t.TempDir(), "status.yaml"))
	assert.Error(t, err)
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "status.yaml")
	require.NoError(t, os.WriteFile(filePath+".bak", []byte(":\n  broken: [\n"), 0644))

	assert.Error(t, RestoreFromBackup(filePath))
}

func TestGenerateSkeleton(t *testing.T) {
	tests := []struct {
		fileType    string
		expectField string
	}{
		{FileTypeStatus, "entries"},
		{FileTypeActions, "actions"},
	}

	for _, tt := range tests {
		t.Run(tt.fileType, func(t *testing.T) {
			filePath := filepath.Join(t.TempDir(), "doc.yaml")
			require.NoError(t, GenerateSkeleton(filePath, tt.fileType))

			content, err := os.ReadFile(filePath)
			require.NoError(t, err)

			var data map[string]any
			require.NoError(t, yamlv3.Unmarshal(content, &data))
			assert.Equal(t, CurrentSchemaVersion, data["schema_version"])
			assert.Equal(t, tt.fileType, data["file_type"])
			assert.Contains(t, data, tt.expectField)
		})
	}
}

func TestRecoverCorruptedFile_WithBackup(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "status.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("corrupted: [\n"), 0644))
	require.NoError(t, os.WriteFile(filePath+".bak", []byte("schema_version: 1\nfile_type: state_status\nentries:\n  - action_id: 2\n    status: first\n    resume_at: 10\n"), 0644))

	require.NoError(t, RecoverCorruptedFile(baseDir, filePath, FileTypeStatus))

	content, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "action_id: 2")

	entries, _ := os.ReadDir(filepath.Join(baseDir, "quarantine"))
	assert.Len(t, entries, 1)
}

func TestRecoverCorruptedFile_WithoutBackup(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "status.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("corrupted: [\n"), 0644))

	require.NoError(t, RecoverCorruptedFile(baseDir, filePath, FileTypeStatus))
	assert.NoError(t, ValidateSchemaHeader(filePath, FileTypeStatus))
}
