package attach

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/procfs"
)

const (
	defaultProcCacheSize = 256
	defaultProcCacheTTL  = 30 * time.Second
)

// ProcNet finds socket owners through a Linux procfs: the local address is
// matched in net/tcp and net/tcp6 to get the socket inode, and the process
// holding that inode is found among the processes' file descriptors.
// Results are cached briefly since the same client usually opens several
// streams in a row.
type ProcNet struct {
	fs    procfs.FS
	cache *expirable.LRU[string, Process]
}

// ProcNetOption configures a ProcNet.
type ProcNetOption func(*procNetConfig)

type procNetConfig struct {
	root string
	size int
	ttl  time.Duration
}

// WithProcRoot reads procfs from root instead of /proc.
func WithProcRoot(root string) ProcNetOption {
	return func(c *procNetConfig) {
		c.root = root
	}
}

// WithProcCache sets the size and TTL of the lookup cache.
func WithProcCache(size int, ttl time.Duration) ProcNetOption {
	return func(c *procNetConfig) {
		if size > 0 {
			c.size = size
		}
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewProcNet creates a ProcNet. It fails if the procfs root is not a
// readable directory.
func NewProcNet(opts ...ProcNetOption) (*ProcNet, error) {
	cfg := procNetConfig{root: procfs.DefaultMountPoint, size: defaultProcCacheSize, ttl: defaultProcCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	fs, err := procfs.NewFS(cfg.root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", cfg.root, err)
	}
	return &ProcNet{
		fs:    fs,
		cache: expirable.NewLRU[string, Process](cfg.size, nil, cfg.ttl),
	}, nil
}

// Lookup implements ProcessLookup.
func (p *ProcNet) Lookup(addr string) (Process, error) {
	if proc, ok := p.cache.Get(addr); ok {
		return proc, nil
	}

	local, err := splitAddr(addr)
	if err != nil {
		return Process{}, err
	}
	inode, err := p.socketInode(local)
	if err != nil {
		return Process{}, err
	}
	owner, err := p.socketOwner(inode)
	if err != nil {
		return Process{}, fmt.Errorf("%w: %s", err, addr)
	}

	proc := Process{PID: owner.PID, Exe: executable(owner)}
	p.cache.Add(addr, proc)
	return proc, nil
}

func splitAddr(addr string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid source address %q: %w", addr, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid source address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid source port %q: %w", addr, err)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

func (p *ProcNet) socketInode(local netip.AddrPort) (uint64, error) {
	for _, table := range []func() (procfs.NetTCP, error){p.fs.NetTCP, p.fs.NetTCP6} {
		lines, err := table()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read socket table: %w", err)
		}
		for _, line := range lines {
			ip, ok := netip.AddrFromSlice(line.LocalAddr)
			if ok && ip.Unmap() == local.Addr() && line.LocalPort == uint64(local.Port()) {
				return line.Inode, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrProcessNotFound, local)
}

func (p *ProcNet) socketOwner(inode uint64) (procfs.Proc, error) {
	want := "socket:[" + strconv.FormatUint(inode, 10) + "]"
	procs, err := p.fs.AllProcs()
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("failed to list processes: %w", err)
	}
	for _, proc := range procs {
		targets, err := proc.FileDescriptorTargets()
		if err != nil {
			// Other users' processes are not readable.
			continue
		}
		for _, target := range targets {
			if target == want {
				return proc, nil
			}
		}
	}
	return procfs.Proc{}, ErrProcessNotFound
}

func executable(proc procfs.Proc) string {
	if exe, err := proc.Executable(); err == nil && exe != "" {
		return exe
	}
	if comm, err := proc.Comm(); err == nil {
		return comm
	}
	return ""
}
