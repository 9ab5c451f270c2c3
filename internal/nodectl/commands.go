package nodectl

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

// Commands are shell templates for the host-level actions on a node. Each
// is rendered with CommandData and run with the configured shell.
type Commands struct {
	Stop  string `mapstructure:"stop" yaml:"stop"`
	Wipe  string `mapstructure:"wipe" yaml:"wipe"`
	Seed  string `mapstructure:"seed" yaml:"seed"`
	Start string `mapstructure:"start" yaml:"start"`
}

// DefaultCommands drive a local PostgreSQL installation with pg_ctl.
func DefaultCommands() Commands {
	return Commands{
		Stop: `if pg_ctl -D {{quote .DataDir}} status >/dev/null 2>&1; then ` +
			`pg_ctl -D {{quote .DataDir}} stop -m fast -w; fi`,
		Wipe: `find {{quote .DataDir}} -mindepth 1 -delete`,
		Seed: `pg_basebackup -h {{quote .SourceHost}} -p {{.SourcePort}} -U {{quote .ReplicationUser}} ` +
			`-D {{quote .DataDir}} -X stream -R -c fast`,
		Start: `pg_ctl -D {{quote .DataDir}} -l {{quote .DataDir}}/startup.log start -w`,
	}
}

// merge fills empty fields of c from fallback.
func (c Commands) merge(fallback Commands) Commands {
	if c.Stop == "" {
		c.Stop = fallback.Stop
	}
	if c.Wipe == "" {
		c.Wipe = fallback.Wipe
	}
	if c.Seed == "" {
		c.Seed = fallback.Seed
	}
	if c.Start == "" {
		c.Start = fallback.Start
	}
	return c
}

// CommandData is what a command template can refer to.
type CommandData struct {
	Node            string
	Host            string
	Port            int
	DataDir         string
	SourceHost      string
	SourcePort      int
	ReplicationUser string
}

// quote wraps s in single quotes for POSIX shells.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var funcs = template.FuncMap{"quote": quote}

type compiled struct {
	stop, wipe, seed, start *template.Template
}

func compile(node string, c Commands) (*compiled, error) {
	var out compiled
	for _, t := range []struct {
		name string
		text string
		dst  **template.Template
	}{
		{"stop", c.Stop, &out.stop},
		{"wipe", c.Wipe, &out.wipe},
		{"seed", c.Seed, &out.seed},
		{"start", c.Start, &out.start},
	} {
		if strings.TrimSpace(t.text) == "" {
			return nil, fmt.Errorf("node %s: %s command is empty", node, t.name)
		}
		tpl, err := template.New(node + "/" + t.name).Funcs(funcs).Option("missingkey=error").Parse(t.text)
		if err != nil {
			return nil, fmt.Errorf("node %s: parse %s command: %w", node, t.name, err)
		}
		*t.dst = tpl
	}
	return &out, nil
}

func render(t *template.Template, data CommandData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// checkDataDir refuses paths a wipe must never touch.
func checkDataDir(dir string) error {
	if dir == "" {
		return errors.New("data directory is not configured")
	}
	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("data directory %q is not absolute", dir)
	}
	if clean == "/" || strings.Count(clean, "/") < 2 {
		return fmt.Errorf("refusing to use %q as a data directory", dir)
	}
	return nil
}
