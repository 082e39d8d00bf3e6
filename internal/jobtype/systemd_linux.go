//go:build linux

package jobtype

import (
	"context"
	"fmt"
	"io"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBusUnits manages local units over the systemd D-Bus API.
type DBusUnits struct{}

func NewDBusUnits() *DBusUnits { return &DBusUnits{} }

func (DBusUnits) Apply(ctx context.Context, unit, action string, out io.Writer) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnitManagerUnavailable, err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return fmt.Errorf("get %s properties: %w", unit, err)
	}
	if ls, _ := getStringProperty(props, "LoadState"); ls == "not-found" {
		return fmt.Errorf("unit %s not found", unit)
	}

	if action == "status" {
		writeUnitState(out, unit, props)
		if st, _ := getStringProperty(props, "ActiveState"); st != "active" {
			return fmt.Errorf("unit %s is %s", unit, st)
		}
		return nil
	}

	done := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	case "reload":
		_, err = conn.ReloadUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		fmt.Fprintf(out, "%s %s: %s\n", action, unit, result)
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, result)
		}
	}

	if props, err := conn.GetUnitPropertiesContext(ctx, unit); err == nil {
		writeUnitState(out, unit, props)
	}
	return nil
}

func writeUnitState(out io.Writer, unit string, props map[string]interface{}) {
	active, _ := getStringProperty(props, "ActiveState")
	sub, _ := getStringProperty(props, "SubState")
	desc, _ := getStringProperty(props, "Description")
	fmt.Fprintf(out, "%s (%s): %s/%s\n", unit, desc, active, sub)
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
