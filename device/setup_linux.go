//go:build linux

package device

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/fosrl/newt/logger"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// SetupConfig describes the interface the engine captures traffic on.
type SetupConfig struct {
	Name string
	Addr netip.Prefix // interface address, e.g. 10.111.0.1/24
	MTU  int
	// Mark is the fwmark set on engine sockets. The routing rule installed
	// here sends everything except marked traffic through the TUN, which is
	// what keeps relayed flows from looping back into the interface.
	Mark uint32
	// Table is the routing table holding the TUN default route.
	Table int
}

// Setup creates and configures the TUN device, assigns its address, brings
// it up, and installs the mark-exempt default route. It returns the wrapped
// device ready for the engine.
func Setup(cfg SetupConfig) (*Tun, error) {
	dev, err := tun.CreateTUN(cfg.Name, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to read TUN device name: %w", err)
	}

	if err := configure(name, cfg); err != nil {
		dev.Close()
		return nil, err
	}

	logger.Info("device: %s up at %s (mtu %d, mark %#x)", name, cfg.Addr, cfg.MTU, cfg.Mark)
	return NewTun(dev, cfg.MTU), nil
}

func configure(name string, cfg SetupConfig) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", name, err)
	}

	addr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   cfg.Addr.Addr().AsSlice(),
			Mask: net.CIDRMask(cfg.Addr.Bits(), 32),
		},
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface: %w", err)
	}

	// Default route through the TUN in a dedicated table, plus a rule
	// sending unmarked traffic through that table. Marked sockets keep
	// using the main table.
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		Table:     cfg.Table,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add TUN route: %w", err)
	}

	rule := netlink.NewRule()
	rule.Table = cfg.Table
	rule.Mark = cfg.Mark
	rule.Invert = true
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("failed to add routing rule: %w", err)
	}

	return nil
}
