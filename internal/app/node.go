package app

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/util"
	"go.uber.org/multierr"
)

// ErrNotRunning is returned by Reload before Start.
var ErrNotRunning = errors.New("node is not running")

// LoadFunc produces the node configuration, re-read on every reload.
type LoadFunc func() (config.Config, error)

// Node runs the test node and swaps its Runtime on Reload. A configuration
// that fails to load leaves the running node untouched; one that loads but
// fails to start is rolled back to the previous configuration.
type Node struct {
	load   LoadFunc
	logger util.Logger

	mu      sync.Mutex
	runtime *Runtime
}

func NewNode(load LoadFunc, logger util.Logger) *Node {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Node{load: load, logger: logger}
}

func (n *Node) Start() error {
	cfg, err := n.load()
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	rt, err := n.startLocked(cfg, nil)
	if err != nil {
		return err
	}
	n.runtime = rt
	return nil
}

// Reload re-reads the configuration and restarts the node with it. Live
// echo sessions are closed; clients see a bye and may reconnect.
func (n *Node) Reload() error {
	cfg, err := n.load()
	if err != nil {
		n.logger.Warn("reload rejected, keeping current configuration", "error", err)
		return fmt.Errorf("reload: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	current := n.runtime
	if current == nil {
		return ErrNotRunning
	}
	var reflexive net.IP
	if sameDiscovery(current.cfg.Server, cfg.Server) {
		reflexive = current.echo.ReflexiveIP()
	}
	n.logger.Info("reloading node", "active_sessions", current.echo.ActiveSessionCount())
	if err := current.Stop(); err != nil {
		n.logger.Warn("runtime stop failed", "error", err)
	}
	n.runtime = nil

	rt, err := n.startLocked(cfg, reflexive)
	if err == nil {
		n.runtime = rt
		return nil
	}
	n.logger.Error("reloaded configuration failed to start, restoring previous", "error", err)
	prev, perr := n.startLocked(current.cfg, current.echo.ReflexiveIP())
	if perr != nil {
		return fmt.Errorf("reload: %w", multierr.Append(err, fmt.Errorf("restore previous configuration: %w", perr)))
	}
	n.runtime = prev
	return fmt.Errorf("reload: %w", err)
}

func (n *Node) Stop() error {
	n.mu.Lock()
	current := n.runtime
	n.runtime = nil
	n.mu.Unlock()
	if current == nil {
		return nil
	}
	return current.Stop()
}

// Addr is the listen address of the running node, nil when stopped.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runtime == nil {
		return nil
	}
	return n.runtime.Addr()
}

// startLocked builds and starts a runtime. A known public address is
// advertised right away instead of waiting for discovery to repeat.
func (n *Node) startLocked(cfg config.Config, reflexive net.IP) (*Runtime, error) {
	rt, err := NewRuntime(cfg, n.logger, n.Reload)
	if err != nil {
		return nil, err
	}
	if reflexive != nil {
		rt.server.SetReflexiveIP(reflexive)
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}
	return rt, nil
}

// sameDiscovery reports whether a discovered public address is still valid
// under next: both discover it and ask the same STUN servers.
func sameDiscovery(prev, next config.ServerConfig) bool {
	auto := func(s config.ServerConfig) bool {
		return strings.EqualFold(s.PublicIP, config.PublicIPAuto)
	}
	return auto(prev) && auto(next) && slices.Equal(prev.STUNServers, next.STUNServers)
}
