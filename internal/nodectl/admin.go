// Package nodectl performs administrative actions on cluster nodes: SQL
// commands over the node's own connection and host-level commands (stop,
// wipe, seed, start) rendered from per-node shell templates.
package nodectl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/ha"
)

// Connector returns the connection for a node.
type Connector interface {
	Node(host string, port int) (*database.Postgres, error)
}

// NodeSettings are the host-level settings of one node.
type NodeSettings struct {
	DataDir  string   `mapstructure:"data_dir" yaml:"data_dir"`
	Commands Commands `mapstructure:"commands" yaml:"commands"`
}

// Config configures an Admin.
type Config struct {
	Shell               string
	ReplicationUser     string
	ReplicationPassword string
	PromoteWait         time.Duration
	// Commands apply to every node unless overridden in Nodes.
	Commands Commands
	// Nodes is keyed by node name.
	Nodes map[string]NodeSettings
}

func (c *Config) applyDefaults() {
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.ReplicationUser == "" {
		c.ReplicationUser = "replicator"
	}
	if c.PromoteWait <= 0 {
		c.PromoteWait = 60 * time.Second
	}
	c.Commands = c.Commands.merge(DefaultCommands())
}

type runFunc func(ctx context.Context, shell, script string, env []string) ([]byte, error)

func runShell(ctx context.Context, shell, script string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Admin implements ha.NodeAdmin.
type Admin struct {
	conn     Connector
	cfg      Config
	commands map[string]*compiled
	run      runFunc
	logger   *zap.Logger
}

var _ ha.NodeAdmin = (*Admin)(nil)

// New compiles the command templates for every configured node.
func New(conn Connector, cfg Config, logger *zap.Logger) (*Admin, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Admin{
		conn:     conn,
		cfg:      cfg,
		commands: make(map[string]*compiled, len(cfg.Nodes)),
		run:      runShell,
		logger:   logger,
	}
	for name, ns := range cfg.Nodes {
		c, err := compile(name, ns.Commands.merge(cfg.Commands))
		if err != nil {
			return nil, err
		}
		a.commands[name] = c
	}
	return a, nil
}

func (a *Admin) db(n ha.Node) (*database.Postgres, error) {
	pg, err := a.conn.Node(n.Host, n.Port)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", n, err)
	}
	return pg, nil
}

// Promote asks the standby to leave recovery and waits for it server side.
func (a *Admin) Promote(ctx context.Context, n ha.Node) error {
	pg, err := a.db(n)
	if err != nil {
		return err
	}
	wait := int(a.cfg.PromoteWait / time.Second)
	done, err := pg.Promote(ctx, true, wait)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%s did not finish promotion within %ds", n, wait)
	}
	a.logger.Info("promote command completed", zap.String("node", n.String()))
	return nil
}

// Checkpoint forces a checkpoint on the node.
func (a *Admin) Checkpoint(ctx context.Context, n ha.Node) error {
	pg, err := a.db(n)
	if err != nil {
		return err
	}
	return pg.Checkpoint(ctx)
}

// Quiesce makes new transactions read-only and disconnects clients.
func (a *Admin) Quiesce(ctx context.Context, n ha.Node) error {
	pg, err := a.db(n)
	if err != nil {
		return err
	}
	if err := pg.SetReadOnly(ctx, true); err != nil {
		return err
	}
	killed, err := pg.TerminateClientSessions(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("node quiesced", zap.String("node", n.String()), zap.Int("sessions_terminated", killed))
	return nil
}

// Resume turns writes back on.
func (a *Admin) Resume(ctx context.Context, n ha.Node) error {
	pg, err := a.db(n)
	if err != nil {
		return err
	}
	return pg.SetReadOnly(ctx, false)
}

// Stop shuts the node's server down.
func (a *Admin) Stop(ctx context.Context, n ha.Node) error {
	return a.exec(ctx, n, "stop", func(c *compiled) (string, error) {
		data, err := a.data(n, ha.Node{})
		if err != nil {
			return "", err
		}
		return render(c.stop, data)
	})
}

// Wipe removes the contents of the node's data directory.
func (a *Admin) Wipe(ctx context.Context, n ha.Node) error {
	return a.exec(ctx, n, "wipe", func(c *compiled) (string, error) {
		data, err := a.data(n, ha.Node{})
		if err != nil {
			return "", err
		}
		if err := checkDataDir(data.DataDir); err != nil {
			return "", err
		}
		return render(c.wipe, data)
	})
}

// Seed takes a base backup of source into target's data directory.
func (a *Admin) Seed(ctx context.Context, target, source ha.Node) error {
	return a.exec(ctx, target, "seed", func(c *compiled) (string, error) {
		data, err := a.data(target, source)
		if err != nil {
			return "", err
		}
		return render(c.seed, data)
	})
}

// StartStandby starts the node; the seed left it configured as a standby.
func (a *Admin) StartStandby(ctx context.Context, n ha.Node) error {
	return a.exec(ctx, n, "start", func(c *compiled) (string, error) {
		data, err := a.data(n, ha.Node{})
		if err != nil {
			return "", err
		}
		return render(c.start, data)
	})
}

func (a *Admin) data(n, source ha.Node) (CommandData, error) {
	ns, ok := a.cfg.Nodes[n.Name]
	if !ok {
		return CommandData{}, fmt.Errorf("node %s has no host settings", n)
	}
	if err := checkDataDir(ns.DataDir); err != nil {
		return CommandData{}, fmt.Errorf("node %s: %w", n, err)
	}
	return CommandData{
		Node:            n.Name,
		Host:            n.Host,
		Port:            n.Port,
		DataDir:         ns.DataDir,
		SourceHost:      source.Host,
		SourcePort:      source.Port,
		ReplicationUser: a.cfg.ReplicationUser,
	}, nil
}

func (a *Admin) exec(ctx context.Context, n ha.Node, op string, script func(*compiled) (string, error)) error {
	c, ok := a.commands[n.Name]
	if !ok {
		return fmt.Errorf("node %s has no commands configured", n)
	}
	text, err := script(c)
	if err != nil {
		return err
	}

	env := []string{
		"PGWARDEN_NODE=" + n.Name,
		"PGHOST=" + n.Host,
		"PGPORT=" + strconv.Itoa(n.Port),
	}
	if a.cfg.ReplicationPassword != "" {
		env = append(env, "PGPASSWORD="+a.cfg.ReplicationPassword)
	}

	start := time.Now()
	a.logger.Info("running node command", zap.String("node", n.String()), zap.String("op", op))
	output, err := a.run(ctx, a.cfg.Shell, text, env)
	if err != nil {
		a.logger.Error("node command failed",
			zap.String("node", n.String()),
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.ByteString("output", tail(output, 4096)),
			zap.Error(err))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s %s: exit status %d: %s", op, n, exitErr.ExitCode(), lastLine(output))
		}
		return fmt.Errorf("%s %s: %w", op, n, err)
	}
	a.logger.Debug("node command finished",
		zap.String("node", n.String()),
		zap.String("op", op),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

func lastLine(b []byte) string {
	s := string(tail(b, 512))
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
