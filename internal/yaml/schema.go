package yaml

import (
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/replyq/internal/model"
)

const (
	CurrentSchemaVersion = 1
	FileTypeTask         = "task_record"
)

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

type taskRecord struct {
	SchemaHeader `yaml:",inline"`
	model.Task   `yaml:",inline"`
}

// EncodeTask serializes a task into its on-disk record form.
func EncodeTask(task model.Task) ([]byte, error) {
	rec := taskRecord{
		SchemaHeader: SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: FileTypeTask},
		Task:         task,
	}
	data, err := yamlv3.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return data, nil
}

// DecodeTask parses a record and checks its schema header. A record without
// chat_id is rejected: every persisted task must name its conversation.
func DecodeTask(data []byte) (model.Task, error) {
	var rec taskRecord
	if err := yamlv3.Unmarshal(data, &rec); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal task record: %w", err)
	}
	if rec.FileType != FileTypeTask {
		return model.Task{}, fmt.Errorf("file_type mismatch: got %q, want %q", rec.FileType, FileTypeTask)
	}
	if rec.SchemaVersion != CurrentSchemaVersion {
		return model.Task{}, fmt.Errorf("unsupported schema_version %d", rec.SchemaVersion)
	}
	if strings.TrimSpace(rec.ChatID) == "" {
		return model.Task{}, fmt.Errorf("task record %s has no chat_id", rec.ID)
	}
	return rec.Task, nil
}
