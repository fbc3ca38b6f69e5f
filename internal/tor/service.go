package tor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultServiceTimeout bounds each control request made while publishing.
const DefaultServiceTimeout = 30 * time.Second

// OnionService is an ephemeral onion service. It lives as long as the
// control client that created it, so Close removes it from the network.
type OnionService struct {
	client  *tornago.ControlClient
	address string
}

// Address is the service's "<56 chars>.onion" hostname.
func (s *OnionService) Address() string {
	return s.address
}

// URL is the http URL of the service on its virtual port.
func (s *OnionService) URL(virtualPort int) string {
	if virtualPort == 80 {
		return "http://" + s.address + "/"
	}
	return fmt.Sprintf("http://%s:%d/", s.address, virtualPort)
}

// Close withdraws the service.
func (s *OnionService) Close() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// PublishOnion maps virtualPort of a new ephemeral onion service to
// 127.0.0.1:localPort. It authenticates the way Connect does.
func PublishOnion(ctx context.Context, e Endpoint, virtualPort, localPort int) (*OnionService, error) {
	if e.Address == "" {
		return nil, ErrNoControlAddress
	}
	auth, err := e.serviceAuth()
	if err != nil {
		return nil, err
	}

	client, err := tornago.NewControlClient(e.Address, auth, DefaultServiceTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create control client: %w", err)
	}
	if err := client.Authenticate(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to authenticate control client: %w", err)
	}

	cfg, err := tornago.NewHiddenServiceConfig(tornago.WithHiddenServicePort(virtualPort, localPort))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create onion service config: %w", err)
	}
	hs, err := client.CreateHiddenService(ctx, cfg)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create onion service: %w", err)
	}

	addr := strings.ToLower(hs.OnionAddress())
	if !strings.HasSuffix(addr, OnionSuffix) {
		addr += OnionSuffix
	}
	if !IsValidV3Address(addr) {
		client.Close()
		return nil, fmt.Errorf("%w: %q", ErrInvalidOnionAddress, addr)
	}
	return &OnionService{client: client, address: addr}, nil
}

// serviceAuth maps e to tornago credentials. A cookie is checked first so a
// bad file fails with ErrInvalidCookie rather than a handshake error.
func (e Endpoint) serviceAuth() (tornago.ControlAuth, error) {
	switch {
	case e.Password != "":
		return tornago.ControlAuthFromPassword(e.Password), nil
	case e.CookiePath != "":
		if _, err := ReadCookie(e.CookiePath); err != nil {
			return tornago.ControlAuth{}, err
		}
		return tornago.ControlAuthFromCookie(e.CookiePath), nil
	default:
		return tornago.ControlAuth{}, nil
	}
}
