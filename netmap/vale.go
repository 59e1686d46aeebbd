//go:build linux

package netmap

import (
	"fmt"

	"go.uber.org/zap"
)

// Attach adds the NIC name to the VALE switch using a private control
// session.
func (c *Controller) Attach(name string) error {
	return c.switchCmd(name, CmdBridgeAttach)
}

// Detach removes the NIC name from the VALE switch. Detaching a NIC that
// is not attached is a no-op in the kernel.
func (c *Controller) Detach(name string) error {
	return c.switchCmd(name, CmdBridgeDetach)
}

func (c *Controller) switchCmd(name string, cmd uint16) error {
	op := "attach"
	if cmd == CmdBridgeDetach {
		op = "detach"
	}

	req, err := newRequest(name, cmd, RegAllNIC)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrBridge, op, name, err)
	}

	fd, err := c.kernel.Open()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrBridge, op, name, err)
	}
	err = c.kernel.Register(fd, req)
	if cerr := c.kernel.Close(fd); cerr != nil {
		c.log.Warn("closing control session", zap.Int("fd", fd), zap.Error(cerr))
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrBridge, op, name, err)
	}

	c.log.Debug("switch "+op, zap.String("iface", name))
	return nil
}
