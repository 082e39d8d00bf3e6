//go:build !linux

package jobtype

import (
	"context"
	"io"
)

type DBusUnits struct{}

func NewDBusUnits() *DBusUnits { return &DBusUnits{} }

func (DBusUnits) Apply(context.Context, string, string, io.Writer) error {
	return ErrUnitManagerUnavailable
}
