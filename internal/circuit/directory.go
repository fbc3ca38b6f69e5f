package circuit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/nao1215/onionctl/internal/control"
)

// Router is one relay known to the directory.
type Router struct {
	Nickname    string
	Fingerprint string // 40 upper-case hex digits, without "$"
}

// ID returns the identifier EXTENDCIRCUIT expects.
func (r Router) ID() string {
	return "$" + r.Fingerprint
}

// String renders the router for humans: its nickname when known.
func (r Router) String() string {
	if r.Nickname != "" {
		return r.Nickname
	}
	return r.ID()
}

// Directory resolves hop selectors.
type Directory interface {
	// Lookup finds a router by nickname or fingerprint.
	Lookup(ctx context.Context, name string) (Router, bool, error)
	// Routers returns every known router.
	Routers(ctx context.Context) ([]Router, error)
	// Guards returns the entry guards currently up.
	Guards(ctx context.Context) ([]Router, error)
}

// ConsensusDirectory answers from Tor's own view of the network, fetched
// with GETINFO ns/all and entry-guards on first use.
type ConsensusDirectory struct {
	cmd control.Commander

	mu      sync.Mutex
	loaded  bool
	byKey   map[string]Router
	routers []Router
	guards  []Router
}

// NewConsensusDirectory creates a Directory backed by cmd.
func NewConsensusDirectory(cmd control.Commander) *ConsensusDirectory {
	return &ConsensusDirectory{cmd: cmd}
}

// load fetches the directory once. Failed loads are retried on the next
// call.
func (d *ConsensusDirectory) load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	info, err := d.cmd.GetInfo(ctx, "ns/all", "entry-guards")
	if err != nil {
		return fmt.Errorf("failed to load router directory: %w", err)
	}

	d.byKey = make(map[string]Router)
	d.routers = parseConsensus(info["ns/all"])
	for _, r := range d.routers {
		d.byKey["$"+r.Fingerprint] = r
		if _, taken := d.byKey[r.Nickname]; !taken {
			d.byKey[r.Nickname] = r
		}
	}
	for _, g := range parseEntryGuards(info["entry-guards"]) {
		if known, ok := d.byKey["$"+g.Fingerprint]; ok {
			g = known
		}
		d.guards = append(d.guards, g)
	}
	d.loaded = true
	return nil
}

// Lookup implements Directory. name is tried as given and then with a "$"
// prefix, so both nicknames and bare fingerprints resolve.
func (d *ConsensusDirectory) Lookup(ctx context.Context, name string) (Router, bool, error) {
	if err := d.load(ctx); err != nil {
		return Router{}, false, err
	}
	if r, ok := d.byKey[name]; ok {
		return r, true, nil
	}
	if r, ok := d.byKey["$"+strings.ToUpper(strings.TrimPrefix(name, "$"))]; ok {
		return r, true, nil
	}
	return Router{}, false, nil
}

// Routers implements Directory.
func (d *ConsensusDirectory) Routers(ctx context.Context) ([]Router, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d.routers, nil
}

// Guards implements Directory.
func (d *ConsensusDirectory) Guards(ctx context.Context) ([]Router, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d.guards, nil
}

// parseConsensus extracts routers from "r" lines of a network-status
// document: "r nickname identity digest date time IP ORPort DirPort".
func parseConsensus(doc string) []Router {
	var out []Router
	for _, line := range strings.Split(doc, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "r" {
			continue
		}
		fp, err := identityToHex(fields[2])
		if err != nil {
			continue
		}
		out = append(out, Router{Nickname: fields[1], Fingerprint: fp})
	}
	return out
}

// identityToHex converts the unpadded base64 identity digest to hex.
func identityToHex(identity string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(identity, "="))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// parseEntryGuards reads GETINFO entry-guards: "$FP~nick up", "$FP=nick up"
// or "$FP up". Only guards whose status is "up" are returned.
func parseEntryGuards(doc string) []Router {
	var out []Router
	for _, line := range strings.Split(doc, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "up" {
			continue
		}
		id := strings.TrimPrefix(fields[0], "$")
		fp, nick, _ := strings.Cut(id, "~")
		if fp == id {
			fp, nick, _ = strings.Cut(id, "=")
		}
		if !isFingerprint(fp) {
			continue
		}
		out = append(out, Router{Nickname: nick, Fingerprint: strings.ToUpper(fp)})
	}
	return out
}

// isFingerprint reports whether s is exactly 40 hex digits.
func isFingerprint(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
