package main

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// defaultWSSPort is used when a wss:// or https:// form omits an explicit
// port, generalized from the teacher's defaultServerPort constant.
const defaultWSSPort = "443"

// Connection is a parsed, ready-to-dial join target.
type Connection struct {
	WSURL    string
	Password string
}

// ParseConnectionString accepts the three join-string forms:
//
//	https://<subdomain>.<tunnel-host>?<password>
//	wss://<host>[:port][/path]?<password>
//	runic:<host>:<port>?<password>
//
// and returns a canonical wss:// URL plus the extracted password, the way
// the teacher's normalizeServerAddr canonicalizes a bare host:port for
// dialing.
func ParseConnectionString(raw string) (Connection, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Connection{}, fmt.Errorf("connection string is required")
	}

	addr, password, found := strings.Cut(s, "?")
	if !found || password == "" {
		return Connection{}, fmt.Errorf("connection string is missing a trailing ?password")
	}

	switch {
	case strings.HasPrefix(addr, "https://"):
		return fromURLForm(addr, password)
	case strings.HasPrefix(addr, "wss://"):
		return fromURLForm(addr, password)
	case strings.HasPrefix(addr, "runic:"):
		return fromRunicForm(addr, password)
	default:
		return Connection{}, fmt.Errorf("unrecognized connection string %q: must start with https://, wss://, or runic:", addr)
	}
}

func fromURLForm(addr, password string) (Connection, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return Connection{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if u.Host == "" {
		return Connection{}, fmt.Errorf("invalid connection string: missing host")
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		port = defaultWSSPort
	}
	if err := validatePort(port); err != nil {
		return Connection{}, err
	}

	path := u.Path
	if path == "" || path == "/" {
		path = "/ws"
	}

	return Connection{
		WSURL:    "wss://" + net.JoinHostPort(host, port) + path,
		Password: password,
	}, nil
}

func fromRunicForm(addr, password string) (Connection, error) {
	rest := strings.TrimPrefix(addr, "runic:")
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return Connection{}, fmt.Errorf("invalid runic: connection string %q: %w", addr, err)
	}
	if err := validatePort(port); err != nil {
		return Connection{}, err
	}
	return Connection{
		WSURL:    "wss://" + net.JoinHostPort(host, port) + "/ws",
		Password: password,
	}, nil
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
