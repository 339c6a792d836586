package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer, err := newRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("创建写入器失败: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 64

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writer.now = func() time.Time { return ts }

	chunk := bytes.Repeat([]byte("a"), 48)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("触发切分的写入失败: %v", err)
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil || len(backups) != 1 {
		t.Fatalf("应产生一份历史文件，实际 %v (err=%v)", backups, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取主文件失败: %v", err)
	}
	if len(content) != 48 {
		t.Fatalf("切分后主文件应只含最新写入，实际 %d 字节", len(content))
	}
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer, err := newRotatingWriter(path, 1, 1, 30)
	if err != nil {
		t.Fatalf("创建写入器失败: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 16

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writer.now = func() time.Time { return ts }

	chunk := bytes.Repeat([]byte("b"), 12)
	for i := 0; i < 3; i++ {
		ts = ts.Add(time.Second)
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("第 %d 次写入失败: %v", i+1, err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("枚举历史文件失败: %v", err)
	}
	if len(backups) > 1 {
		t.Fatalf("历史文件应只保留 1 份，实际 %d", len(backups))
	}
}
