package glacier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/fsqueue"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// Queue topics fed by the request path.
const (
	TopicMigrate = "migrate"
	TopicRestore = "restore"
)

// BackendTapeCloud selects the TapeCloud (eeadm) backend.
const BackendTapeCloud = "TAPECLOUD"

// ErrUnknownBackend is returned by New for an unsupported backend type.
var ErrUnknownBackend = errors.New("unknown glacier backend")

// Backend performs the archival passes driven by the lifecycle scheduler.
type Backend interface {
	Name() string
	// Migrate drains the migrate topic and archives eligible objects.
	Migrate(ctx context.Context) error
	// Restore drains the restore topic and recalls requested objects.
	Restore(ctx context.Context) error
	// Expiry evicts restored data whose retention lapsed. Best effort.
	Expiry(ctx context.Context) error
	LowFreeSpace(ctx context.Context) (bool, error)
}

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Type   string
	BinDir string
	TmpDir string // manifests and tool output; defaults to os.TempDir()

	ExpiryTimeOfDay string
	ExpiryLocation  *time.Location

	// MinFreeSpace > 0 replaces the low_free_space script with a statfs
	// probe of ProbePath.
	MinFreeSpace int64
	ProbePath    string
}

// Deps are the collaborators injected into a backend.
type Deps struct {
	FS      nativefs.FS
	Queue   *fsqueue.Queue
	Tool    ArchiveTool    // defaults to an ExecTool on BinDir
	Probe   FreeSpaceProbe // defaults from MinFreeSpace or Tool
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.TieringMetrics
}

// New builds the backend named by cfg.Type.
func New(cfg BackendConfig, deps Deps) (Backend, error) {
	if deps.Queue == nil {
		return nil, errors.New("glacier backend requires a queue")
	}
	if deps.FS == nil {
		deps.FS = nativefs.NewLocal()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.ExpiryLocation == nil {
		cfg.ExpiryLocation = time.UTC
	}

	switch strings.ToUpper(cfg.Type) {
	case BackendTapeCloud:
		if deps.Tool == nil {
			deps.Tool = NewExecTool(ExecToolConfig{
				BinDir:  cfg.BinDir,
				TmpDir:  cfg.TmpDir,
				FS:      deps.FS,
				Logger:  deps.Logger,
				Metrics: deps.Metrics,
			})
		}
		if deps.Probe == nil {
			if cfg.MinFreeSpace > 0 {
				deps.Probe = VolumeProbe{Path: cfg.ProbePath, MinAvailable: cfg.MinFreeSpace}
			} else {
				deps.Probe = deps.Tool
			}
		}
		return newTapeCloud(cfg, deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}
