// Package gateway sits between the transport pipeline and the application
// gateways: it validates the request header, grades client versions,
// serves the broadcast message, resolves the session portion of each
// request and routes the payload to the account or feedback gateway.
package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"feedbactory/server/internal/checkpoint"
	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/protocol"
)

// MinimumCompatibleClientVersion is the oldest client version this
// codebase can still serve. The configured minimum accepted version may be
// raised above it at runtime but never set below it.
const MinimumCompatibleClientVersion int64 = 1462063315361

var (
	ErrVersionBelowCodebase = errors.New("gateway: latest client version below codebase minimum")
	ErrVersionFile          = errors.New("gateway: malformed client compatibility file")
)

// CompatibilityManager grades client versions against the accepted range
// and persists the range across restarts. The compatibility file holds two
// big-endian int64s: minimum accepted version, then latest version.
type CompatibilityManager struct {
	path string
	log  *eventlog.Logger

	mu              sync.Mutex
	minimumAccepted int64
	latest          int64
}

// NewCompatibilityManager loads the compatibility file, initializing it to
// the codebase minimum when absent.
func NewCompatibilityManager(path string, log *eventlog.Logger) (*CompatibilityManager, error) {
	c := &CompatibilityManager{path: path, log: log}

	err := checkpoint.Read(path, func(r *bufio.Reader) error {
		minAccepted, err := checkpoint.Int64(r)
		if err != nil {
			return ErrVersionFile
		}
		latest, err := checkpoint.Int64(r)
		if err != nil {
			return ErrVersionFile
		}
		if latest < minAccepted {
			return fmt.Errorf("%w: latest below minimum accepted", ErrVersionFile)
		}
		c.minimumAccepted = minAccepted
		c.latest = latest
		return nil
	})
	switch {
	case err == nil:
		if c.minimumAccepted < MinimumCompatibleClientVersion {
			// Likely a server binary copied without its config; serving
			// clients older than the codebase minimum would fail mid-request.
			log.Warn("minimum accepted client version below codebase minimum",
				"minimum_accepted", c.minimumAccepted,
				"codebase_minimum", MinimumCompatibleClientVersion)
		}
	case os.IsNotExist(err):
		c.minimumAccepted = MinimumCompatibleClientVersion
		c.latest = MinimumCompatibleClientVersion
		if err := c.persist(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return c, nil
}

func (c *CompatibilityManager) persist() error {
	return checkpoint.WriteAtomic(c.path, func(w *bufio.Writer) error {
		if err := checkpoint.PutInt64(w, c.minimumAccepted); err != nil {
			return err
		}
		return checkpoint.PutInt64(w, c.latest)
	})
}

// Compatibility grades a client version.
func (c *CompatibilityManager) Compatibility(clientVersion int64) protocol.CompatibilityStatus {
	c.mu.Lock()
	minimumAccepted, latest := c.minimumAccepted, c.latest
	c.mu.Unlock()

	switch {
	case clientVersion >= latest:
		return protocol.UpToDate
	case clientVersion >= minimumAccepted:
		return protocol.UpdateAvailable
	default:
		return protocol.UpdateRequired
	}
}

// SetLatestVersion records a newly released client version and persists
// immediately, so a crash cannot re-admit superseded clients. With
// forceMinimum the minimum accepted version is raised to match.
func (c *CompatibilityManager) SetLatestVersion(latest int64, forceMinimum bool) error {
	if latest < MinimumCompatibleClientVersion {
		return ErrVersionBelowCodebase
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if forceMinimum || latest < c.minimumAccepted {
		c.minimumAccepted = latest
	}
	c.latest = latest
	if err := c.persist(); err != nil {
		return err
	}
	c.log.Info("client compatibility updated",
		"latest", c.latest, "minimum_accepted", c.minimumAccepted)
	return nil
}

// MinimumAcceptedVersion returns the oldest version still admitted.
func (c *CompatibilityManager) MinimumAcceptedVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minimumAccepted
}

// LatestVersion returns the most recent released version.
func (c *CompatibilityManager) LatestVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}
