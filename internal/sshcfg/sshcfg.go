// Package sshcfg reads the user's OpenSSH client config so the setup
// wizard can offer known hosts instead of asking for everything again.
package sshcfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Entry is one concrete Host block from an OpenSSH client config.
// Pattern blocks (wildcards, negations) are not entries.
type Entry struct {
	Alias    string
	HostName string
	User     string
	Port     int
	Identity string
	Jump     string
}

// Target renders the ssh destination for the entry.
func (e Entry) Target() string {
	if e.User == "" {
		return e.HostName
	}
	return e.User + "@" + e.HostName
}

// DefaultPath returns the user's ssh client config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "config")
	}
	return filepath.Join(home, ".ssh", "config")
}

// Load reads an OpenSSH client config and returns its concrete host
// entries in file order. A missing file yields no entries, not an
// error.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}

	var entries []Entry
	for _, host := range cfg.Hosts {
		alias := concreteAlias(host.Patterns)
		if alias == "" {
			continue
		}
		e := Entry{Alias: alias, HostName: alias}
		for _, node := range host.Nodes {
			kv, ok := node.(*ssh_config.KV)
			if !ok {
				continue
			}
			value := unquote(kv.Value)
			switch strings.ToLower(kv.Key) {
			case "hostname":
				e.HostName = value
			case "user":
				e.User = value
			case "port":
				if p, err := strconv.Atoi(value); err == nil {
					e.Port = p
				}
			case "identityfile":
				e.Identity = value
			case "proxyjump":
				e.Jump = value
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// concreteAlias picks the first pattern that names a single host.
func concreteAlias(patterns []*ssh_config.Pattern) string {
	for _, p := range patterns {
		s := p.String()
		if s == "" || strings.ContainsAny(s, "*?!") {
			continue
		}
		return s
	}
	return ""
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return v[1 : len(v)-1]
	}
	return v
}
