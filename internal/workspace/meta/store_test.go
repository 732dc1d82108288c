package meta

import (
	"fmt"
	"net"
	"testing"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.WorkspaceConfig{
		Root:            t.TempDir(),
		Image:           "node:20-bookworm-slim",
		ContainerPrefix: "ws-user-",
		ContainerPort:   5173,
		PortBase:        42000,
		PortScan:        200,
	}
	return NewStore(cfg, logger.Default())
}

func TestLoadAbsent(t *testing.T) {
	s := testStore(t)

	m, err := s.Load(7)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m != nil {
		t.Errorf("Load = %+v, want nil for absent meta", m)
	}
}

func TestEnsureCreates(t *testing.T) {
	s := testStore(t)

	m, err := s.Ensure(7, "node:20-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if m.HostPort < 42000 || m.HostPort >= 42200 {
		t.Errorf("host port %d outside window [42000,42200)", m.HostPort)
	}
	if m.ContainerPort != 5173 {
		t.Errorf("container port = %d, want 5173", m.ContainerPort)
	}
	if m.ContainerName != "ws-user-7" {
		t.Errorf("container name = %q, want ws-user-7", m.ContainerName)
	}
	if m.CreatedAt == 0 {
		t.Error("createdAt not set")
	}

	loaded, err := s.Load(7)
	if err != nil {
		t.Fatalf("Load after Ensure: %v", err)
	}
	if loaded == nil || loaded.HostPort != m.HostPort {
		t.Errorf("persisted meta = %+v, want host port %d", loaded, m.HostPort)
	}
}

func TestEnsurePortSticky(t *testing.T) {
	s := testStore(t)

	first, err := s.Ensure(7, "node:20-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Even with the allocated port now busy, a second ensure must keep it.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", first.HostPort))
	if err == nil {
		defer l.Close()
	}

	second, err := s.Ensure(7, "node:20-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if second.HostPort != first.HostPort {
		t.Errorf("host port changed %d -> %d, want sticky", first.HostPort, second.HostPort)
	}
}

func TestEnsureImageUpdate(t *testing.T) {
	s := testStore(t)

	first, err := s.Ensure(7, "node:20-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	updated, err := s.Ensure(7, "node:22-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure with new image: %v", err)
	}
	if updated.Image != "node:22-bookworm-slim" {
		t.Errorf("image = %q, want updated image", updated.Image)
	}
	if updated.HostPort != first.HostPort {
		t.Error("image update must not reallocate the host port")
	}

	loaded, _ := s.Load(7)
	if loaded.Image != "node:22-bookworm-slim" {
		t.Errorf("persisted image = %q, want updated image", loaded.Image)
	}
}

func TestEnsureDistinctUsers(t *testing.T) {
	s := testStore(t)

	a, err := s.Ensure(1, "img")
	if err != nil {
		t.Fatalf("Ensure(1): %v", err)
	}
	b, err := s.Ensure(2, "img")
	if err != nil {
		t.Fatalf("Ensure(2): %v", err)
	}
	if a.HostPort == b.HostPort {
		t.Errorf("users share host port %d", a.HostPort)
	}
}

func TestContainerName(t *testing.T) {
	s := testStore(t)
	if got := s.ContainerName(42); got != "ws-user-42" {
		t.Errorf("ContainerName(42) = %q, want ws-user-42", got)
	}
}
