package scrub

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
)

// ErrUnavailable reports that the service manager cannot be used and
// the caller should fall back to direct invocation.
var ErrUnavailable = errors.New("service manager unavailable")

// UnitManager is the narrow service manager surface a ServiceRunner
// needs: start a unit, query its state, stop it.
type UnitManager interface {
	// Start starts the unit and blocks until the start job finishes,
	// returning its result string ("done", "failed", "canceled", ...).
	Start(ctx context.Context, unit string) (string, error)
	State(ctx context.Context, unit string) (UnitState, error)
	Stop(ctx context.Context, unit string) error
}

// SystemdManager implements UnitManager over the systemd D-Bus API.
type SystemdManager struct {
	conn *dbus.Conn
}

func NewSystemdManager(ctx context.Context) (*SystemdManager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SystemdManager{conn: conn}, nil
}

func (m *SystemdManager) Start(ctx context.Context, name string) (string, error) {
	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return "", fmt.Errorf("%w: starting %s: %v", ErrUnavailable, name, err)
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *SystemdManager) State(ctx context.Context, name string) (UnitState, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return UnitUnknown, fmt.Errorf("querying %s: %w", name, err)
	}
	state, _ := props["ActiveState"].(string)
	return unitStateFromActiveState(state), nil
}

func (m *SystemdManager) Stop(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *SystemdManager) Close() {
	m.conn.Close()
}

// UnitName expands a unit template like "xfs_scrub@%s.service" with the
// systemd path escaped form of the mountpoint.
func UnitName(template, mountpoint string) string {
	return fmt.Sprintf(template, unit.UnitNamePathEscape(mountpoint))
}
