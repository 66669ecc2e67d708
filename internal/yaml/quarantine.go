package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

var logger = logrus.WithField("component", "yaml")

// Quarantine moves a corrupted document out of the way into
// <baseDir>/quarantine, timestamped so repeated failures never collide.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	logger.Warnf("quarantined file=%s dest=%s", filePath, dst)
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	logger.Infof("restored file=%s from=%s", filePath, bakPath)
	return nil
}

// Skeleton returns the minimal empty document for a file type.
func Skeleton(fileType string) map[string]any {
	doc := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	switch fileType {
	case FileTypeStatus:
		doc["entries"] = []any{}
	case FileTypeActions:
		doc["actions"] = []any{}
	}
	return doc
}

func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(Skeleton(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	logger.Infof("generated skeleton file=%s type=%s", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores it from its .bak
// copy or, failing that, replaces it with an empty skeleton.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if _, err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	err := RestoreFromBackup(filePath)
	if err == nil {
		return nil
	}
	logger.Warnf("backup restore failed file=%s error=%v, generating skeleton", filePath, err)

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}
