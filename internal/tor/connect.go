package tor

import (
	"context"
	"fmt"
	"os"

	"github.com/nao1215/onionctl/internal/control"
)

// cookieLength is the size of Tor's control_auth_cookie.
const cookieLength = 32

// Endpoint describes how to reach and authenticate to a control port.
// Password wins over CookiePath; with neither, null authentication is used.
type Endpoint struct {
	Address    string
	Password   string
	CookiePath string
}

// Credentials loads what Authenticate needs for e.
func (e Endpoint) Credentials() (control.Credentials, error) {
	switch {
	case e.Password != "":
		return control.Credentials{Password: e.Password}, nil
	case e.CookiePath != "":
		cookie, err := ReadCookie(e.CookiePath)
		if err != nil {
			return control.Credentials{}, err
		}
		return control.Credentials{Cookie: cookie}, nil
	default:
		return control.Credentials{}, nil
	}
}

// ReadCookie reads a control auth cookie file.
func ReadCookie(path string) ([]byte, error) {
	cookie, err := os.ReadFile(path) //nolint:gosec // path comes from the user's configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read control auth cookie: %w", err)
	}
	if len(cookie) != cookieLength {
		return nil, fmt.Errorf("%w: %s holds %d bytes, expected %d", ErrInvalidCookie, path, len(cookie), cookieLength)
	}
	return cookie, nil
}

// Connect dials the control port of e and authenticates. The connection is
// closed again if authentication fails.
func Connect(ctx context.Context, e Endpoint, opts ...control.Option) (*control.Conn, error) {
	if e.Address == "" {
		return nil, ErrNoControlAddress
	}
	creds, err := e.Credentials()
	if err != nil {
		return nil, err
	}

	conn, err := control.Dial(ctx, e.Address, opts...)
	if err != nil {
		return nil, err
	}
	if err := conn.Authenticate(ctx, creds); err != nil {
		_ = conn.Close() //nolint:errcheck // authentication already failed
		return nil, fmt.Errorf("failed to authenticate to %s: %w", e.Address, err)
	}
	return conn, nil
}
