package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/replyq/internal/model"
)

func TestEncodeDecodeTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := model.Task{
		ID:        "abc",
		Account:   "shop",
		ChatID:    "123",
		ReplyText: "hello",
		MessageID: "m-1",
		CreatedAt: now,
		Lease:     model.Lease{Epoch: 2, LeasedAt: now, RenewedAt: now.Add(time.Minute)},
	}

	data, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if !strings.Contains(string(data), "file_type: task_record") {
		t.Errorf("missing schema header:\n%s", data)
	}

	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got.ChatID != "123" || got.ReplyText != "hello" || got.MessageID != "m-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Lease.Epoch != 2 || !got.Lease.LastTouch().Equal(now.Add(time.Minute)) {
		t.Errorf("lease mismatch: %+v", got.Lease)
	}
}

func TestEncodeTask_OmitsEmptyLease(t *testing.T) {
	data, err := EncodeTask(model.Task{ID: "x", ChatID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "lease:") {
		t.Errorf("unleased record should not carry a lease block:\n%s", data)
	}
}

func TestDecodeTask_Rejects(t *testing.T) {
	tests := map[string]string{
		"no chat_id":     "schema_version: 1\nfile_type: task_record\nid: x\n",
		"wrong type":     "schema_version: 1\nfile_type: other\nid: x\nchat_id: \"1\"\n",
		"future version": "schema_version: 9\nfile_type: task_record\nid: x\nchat_id: \"1\"\n",
		"garbage":        "::: not yaml [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeTask([]byte(body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acct__broken.taking")
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	moved, err := Quarantine(dir, path)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original should be gone")
	}
	if filepath.Dir(moved) != filepath.Join(dir, QuarantineDir) {
		t.Errorf("unexpected quarantine path: %s", moved)
	}
	if !strings.HasSuffix(moved, ".corrupt") {
		t.Errorf("expected .corrupt suffix: %s", moved)
	}
}
