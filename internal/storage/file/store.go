// Package file keeps registrations in a plain text file per component.
//
// Each registration is a group of ten lines: node, user local part, user
// domain, user resource, device id, device name, token, application id,
// backend and timestamp (RFC 3339). Backslashes and newlines inside a field
// are escaped.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

const fieldsPerRecord = 10

// Line scanning eats both \n and a trailing \r, so both are escaped.
var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
var unescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")

// Store implements registry.Store on the local filesystem.
type Store struct {
	path string
}

// NewStore returns a store for the component host, writing below dir.
func NewStore(dir, host string) *Store {
	return &Store{path: filepath.Join(dir, host)}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads every stored registration. A missing file is an empty registry.
func (s *Store) Load(_ context.Context) ([]registry.Registration, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open registrations file: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// Save rewrites the file atomically through a temporary sibling.
func (s *Store) Save(_ context.Context, regs []registry.Registration) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := encode(w, regs); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write registrations: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace registrations file: %w", err)
	}
	return nil
}

func encode(w io.Writer, regs []registry.Registration) error {
	for _, r := range regs {
		fields := []string{
			r.Node,
			r.User.Local,
			r.User.Domain,
			r.User.Resource,
			r.DeviceID,
			r.DeviceName,
			r.Token,
			r.AppID,
			string(r.Backend),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		for _, field := range fields {
			if _, err := io.WriteString(w, escaper.Replace(field)+"\n"); err != nil {
				return fmt.Errorf("failed to write registrations: %w", err)
			}
		}
	}
	return nil
}

func decode(r io.Reader) ([]registry.Registration, error) {
	var (
		regs   []registry.Registration
		fields []string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields = append(fields, unescaper.Replace(scanner.Text()))
		if len(fields) < fieldsPerRecord {
			continue
		}
		reg, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(regs)+1, err)
		}
		regs = append(regs, reg)
		fields = fields[:0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read registrations: %w", err)
	}
	if len(fields) != 0 {
		return nil, fmt.Errorf("truncated record after %d registrations", len(regs))
	}
	return regs, nil
}

func parseRecord(f []string) (registry.Registration, error) {
	backend, err := dispatch.ParseBackendKind(f[8])
	if err != nil {
		return registry.Registration{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, f[9])
	if err != nil {
		return registry.Registration{}, fmt.Errorf("bad timestamp: %w", err)
	}
	if f[0] == "" || f[2] == "" {
		return registry.Registration{}, errors.New("missing node or user domain")
	}
	return registry.Registration{
		Node:       f[0],
		User:       xmpp.JID{Local: f[1], Domain: f[2], Resource: f[3]},
		DeviceID:   f[4],
		DeviceName: f[5],
		Token:      f[6],
		AppID:      f[7],
		Backend:    backend,
		Timestamp:  ts,
	}, nil
}
