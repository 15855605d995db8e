package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFirmwareVersionMissingFile(t *testing.T) {
	version, err := ReadFirmwareVersion(filepath.Join(t.TempDir(), "firmware.conf"))
	if err != nil {
		t.Fatalf("missing file should default: %v", err)
	}
	if version != 1 {
		t.Fatalf("unexpected default version: %d", version)
	}
}

func TestReadFirmwareVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.conf")
	body := "[firmware]\nversion = 42\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write firmware conf: %v", err)
	}
	version, err := ReadFirmwareVersion(path)
	if err != nil {
		t.Fatalf("read firmware version: %v", err)
	}
	if version != 42 {
		t.Fatalf("unexpected version: %d", version)
	}
}

func TestReadFirmwareVersionMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.conf")
	if err := os.WriteFile(path, []byte("not toml ] at all ["), 0o644); err != nil {
		t.Fatalf("write firmware conf: %v", err)
	}
	if _, err := ReadFirmwareVersion(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
