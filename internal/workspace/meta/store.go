// Package meta persists the per-user workspace record: which host port
// the user owns, the container name and image, and when the workspace was
// first created. The record is the source of truth for port stickiness.
package meta

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
)

// FileName is the per-user meta file under root/<userId>/.
const FileName = "workspace-meta.json"

// Meta is the durable per-user workspace record.
type Meta struct {
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Image         string `json:"image"`
	ContainerName string `json:"containerName"`
	CreatedAt     int64  `json:"createdAt"` // epoch millis
}

// Store loads, initializes and updates workspace meta files.
type Store struct {
	cfg    config.WorkspaceConfig
	logger *logger.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStore creates a Store rooted at cfg.Root.
func NewStore(cfg config.WorkspaceConfig, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "meta_store")),
		locks:  make(map[int64]*sync.Mutex),
	}
}

// userLock returns the per-user mutex, creating it on first use.
func (s *Store) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// UserDir returns root/<userId>.
func (s *Store) UserDir(userID int64) string {
	return filepath.Join(s.cfg.Root, fmt.Sprintf("%d", userID))
}

// Path returns the meta file path for a user.
func (s *Store) Path(userID int64) string {
	return filepath.Join(s.UserDir(userID), FileName)
}

// ContainerName returns the deterministic container name for a user.
func (s *Store) ContainerName(userID int64) string {
	return fmt.Sprintf("%s%d", s.cfg.ContainerPrefix, userID)
}

// Load reads the meta file for a user. Returns (nil, nil) when absent.
func (s *Store) Load(userID int64) (*Meta, error) {
	data, err := os.ReadFile(s.Path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace meta for user %d: %w", userID, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt workspace meta for user %d: %w", userID, err)
	}
	return &m, nil
}

// Ensure returns the user's meta, creating it on first call (allocating a
// host port) and persisting an image change in place. The host port is
// never reallocated once persisted.
func (s *Store) Ensure(userID int64, desiredImage string) (*Meta, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.Load(userID)
	if err != nil {
		return nil, err
	}

	if m == nil {
		port, err := s.allocateHostPort(userID)
		if err != nil {
			return nil, err
		}
		m = &Meta{
			HostPort:      port,
			ContainerPort: s.cfg.ContainerPort,
			Image:         desiredImage,
			ContainerName: s.ContainerName(userID),
			CreatedAt:     time.Now().UnixMilli(),
		}
		if err := s.write(userID, m); err != nil {
			return nil, err
		}
		s.logger.Info("Workspace meta created",
			zap.Int64("user_id", userID),
			zap.Int("host_port", m.HostPort),
			zap.String("image", m.Image))
		return m, nil
	}

	if desiredImage != "" && m.Image != desiredImage {
		s.logger.Info("Workspace image changed",
			zap.Int64("user_id", userID),
			zap.String("old_image", m.Image),
			zap.String("new_image", desiredImage))
		m.Image = desiredImage
		if err := s.write(userID, m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// write persists the meta atomically (temp file + rename). Callers hold
// the per-user lock.
func (s *Store) write(userID int64, m *Meta) error {
	dir := s.UserDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create user dir for %d: %w", userID, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace meta: %w", err)
	}

	tmp := s.Path(userID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace meta for user %d: %w", userID, err)
	}
	if err := os.Rename(tmp, s.Path(userID)); err != nil {
		return fmt.Errorf("failed to persist workspace meta for user %d: %w", userID, err)
	}
	return nil
}

// allocateHostPort scans the configured window starting at the user's
// deterministic offset and returns the first port that accepts a bind
// probe. The offset keeps neighboring user ids from racing for the same
// slot on a fresh node.
func (s *Store) allocateHostPort(userID int64) (int, error) {
	scan := s.cfg.PortScan
	offset := int(userID % int64(scan))
	if offset < 0 {
		offset += scan
	}

	for i := 0; i < scan; i++ {
		port := s.cfg.PortBase + (offset+i)%scan
		if portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free host port in window [%d,%d) for user %d",
		s.cfg.PortBase, s.cfg.PortBase+scan, userID)
}

// portFree probes a TCP bind on the port.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
