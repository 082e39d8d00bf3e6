package jobtype

import (
	"context"
	"fmt"
	"io"
	"strings"

	"fleetrun/internal/model"
	"fleetrun/internal/transport"
)

// detectPM picks apt-get or dnf on the target. The chosen manager is printed
// on the first line of output.
const detectPM = `if command -v apt-get >/dev/null 2>&1; then PM=apt; elif command -v dnf >/dev/null 2>&1; then PM=dnf; elif command -v yum >/dev/null 2>&1; then PM=yum; else echo "no supported package manager" >&2; exit 127; fi; echo "package manager: $PM"; `

// PackagesUpgradable lists upgradable OS packages.
type PackagesUpgradable struct{}

func (PackagesUpgradable) Name() string { return "packages.upgradable" }

func (PackagesUpgradable) Validate(map[string]string) error { return nil }

func (PackagesUpgradable) Run(ctx context.Context, sess transport.Session, _ map[string]string, out io.Writer) error {
	script := detectPM + `case $PM in
apt) apt-get update -qq >/dev/null && apt list --upgradable 2>/dev/null | tail -n +2 ;;
*) $PM -q check-update; rc=$?; if [ $rc -eq 100 ]; then exit 0; fi; exit $rc ;;
esac`
	return runScript(ctx, sess, script, nil, out)
}

// PackagesUpgrade upgrades all packages, or only the space separated
// params["packages"], non-interactively.
type PackagesUpgrade struct{}

func (PackagesUpgrade) Name() string { return "packages.upgrade" }

func (PackagesUpgrade) Validate(params map[string]string) error {
	for _, p := range strings.Fields(params["packages"]) {
		if strings.HasPrefix(p, "-") {
			return fmt.Errorf("%w: package name %q looks like a flag", model.ErrConfiguration, p)
		}
	}
	return nil
}

func (PackagesUpgrade) Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error {
	pkgs := strings.Fields(params["packages"])
	quoted := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		quoted = append(quoted, transport.ShellQuote(p))
	}
	list := strings.Join(quoted, " ")

	var script string
	if list == "" {
		script = detectPM + `case $PM in
apt) apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get -y -q upgrade ;;
*) $PM -y -q upgrade ;;
esac`
	} else {
		script = detectPM + `case $PM in
apt) apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get -y -q install --only-upgrade ` + list + ` ;;
*) $PM -y -q upgrade ` + list + ` ;;
esac`
	}
	return runScript(ctx, sess, script, nil, out)
}
