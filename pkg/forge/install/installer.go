package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

// Environment variables passed to the install command.
const (
	EnvVersion      = "FORGEVISOR_VERSION"
	EnvForgeVersion = "FORGEVISOR_FORGE_VERSION"
)

// ErrInstall wraps installer failures.
var ErrInstall = errors.New("install failed")

// Installer brings the server directory to the wanted version.
type Installer interface {
	Install(ctx context.Context, want VersionRecord) error
}

// CommandInstaller runs an external command inside the server directory.
// Fetching and running the setup artifact is the command's business.
type CommandInstaller struct {
	Dir     string
	Command []string
}

// Install runs the command with the wanted versions in its environment.
func (c *CommandInstaller) Install(ctx context.Context, want VersionRecord) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("%w: no install command configured", ErrInstall)
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		EnvVersion+"="+want.VersionString(),
		EnvForgeVersion+"="+want.Forge,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w: %s", ErrInstall, strings.Join(c.Command, " "), err, tail(out.String(), 2048))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// VersionChange is the versionChange payload. Old values are false when
// nothing was installed before.
type VersionChange struct {
	NewVersion string `json:"newVersion"`
	OldVersion any    `json:"oldVersion"`
	NewForge   string `json:"newForge"`
	OldForge   string `json:"oldForge"`
}

// Checker compares the configured version with version.json.
type Checker struct {
	Dir       string
	Want      VersionRecord
	Installer Installer

	logger *logging.Logger
}

// NewChecker returns a checker for the server directory. An empty
// minecraft version disables the check.
func NewChecker(dir, minecraft, forge string, installer Installer) *Checker {
	c := &Checker{Dir: dir, Installer: installer, logger: logging.Get("install")}
	if minecraft != "" {
		c.Want = NewVersionRecord(minecraft, forge)
	}
	return c
}

// Reconcile installs the wanted version when it differs from the recorded
// one, stores the new record and publishes versionChange. It reports
// whether anything changed.
func (c *Checker) Reconcile(ctx context.Context, pub events.Publisher) (bool, error) {
	if c.logger == nil {
		c.logger = logging.Get("install")
	}
	if !c.Want.Installed() {
		return false, nil
	}

	have, err := LoadVersion(c.Dir)
	if err != nil {
		return false, err
	}
	if have.Equal(c.Want) {
		c.logger.Debug("version up to date", "version", c.Want)
		return false, nil
	}

	c.logger.Info("version change", "from", have, "to", c.Want)
	if c.Installer != nil {
		if err := c.Installer.Install(ctx, c.Want); err != nil {
			return false, err
		}
	} else {
		c.logger.Warn("no installer configured, recording version only", "version", c.Want)
	}

	if err := SaveVersion(c.Dir, c.Want); err != nil {
		return false, err
	}

	change := VersionChange{
		NewVersion: c.Want.VersionString(),
		OldVersion: false,
		NewForge:   c.Want.Forge,
		OldForge:   have.Forge,
	}
	if have.Installed() {
		change.OldVersion = have.VersionString()
	}
	if pub != nil {
		pub.Publish(events.EventVersionChange, change)
	}
	return true, nil
}
