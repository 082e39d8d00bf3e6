package jobtype

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"fleetrun/internal/model"
	"fleetrun/internal/transport"
)

// ErrUnitManagerUnavailable means the local systemd D-Bus API cannot be used;
// SystemdUnit then falls back to systemctl.
var ErrUnitManagerUnavailable = errors.New("systemd d-bus unavailable")

var unitActions = map[string]bool{"start": true, "stop": true, "restart": true, "reload": true, "status": true}

// UnitManager controls systemd units on the local host.
type UnitManager interface {
	Apply(ctx context.Context, unit, action string, out io.Writer) error
}

// SystemdUnit applies params["action"] (start, stop, restart, reload, status)
// to params["unit"]. Units without a suffix get ".service".
type SystemdUnit struct {
	// Local handles local targets. nil uses systemctl for every target.
	Local UnitManager
}

func (SystemdUnit) Name() string { return "systemd.unit" }

func (SystemdUnit) Validate(params map[string]string) error {
	if err := requireParams(params, "unit", "action"); err != nil {
		return err
	}
	if !unitActions[params["action"]] {
		return fmt.Errorf("%w: unsupported action %q", model.ErrConfiguration, params["action"])
	}
	if strings.ContainsAny(params["unit"], " \t\n;|&$`'\"") {
		return fmt.Errorf("%w: invalid unit name %q", model.ErrConfiguration, params["unit"])
	}
	return nil
}

func (s SystemdUnit) Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error {
	unit := unitName(params["unit"])
	action := params["action"]

	if sess.Target().IsLocal() && s.Local != nil {
		err := s.Local.Apply(ctx, unit, action, out)
		if !errors.Is(err, ErrUnitManagerUnavailable) {
			return err
		}
		fmt.Fprintf(out, "%v; falling back to systemctl\n", err)
	}

	script := "systemctl " + action + " " + transport.ShellQuote(unit)
	if action == "status" {
		script = "systemctl status --no-pager " + transport.ShellQuote(unit)
	}
	return runScript(ctx, sess, script, nil, out)
}

func unitName(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
