// Package domain binds provisioned sites to their host names through the
// multisite sites.php map and, for path bindings, a symlink in the document root.
package domain

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

const sitesFileMode = 0o644

var sitesEntry = regexp.MustCompile(`^\s*\$sites\['((?:[^'\\]|\\.)*)'\]\s*=\s*'((?:[^'\\]|\\.)*)';\s*$`)

// SitesBinder maintains root/sites/sites.php.
type SitesBinder struct {
	files  engine.Filesystem
	logger zerolog.Logger

	// mu serialises edits of sites.php within this process.
	mu sync.Mutex
}

var _ engine.Binder = (*SitesBinder)(nil)

// NewSitesBinder returns a binder writing through files.
func NewSitesBinder(files engine.Filesystem, logger zerolog.Logger) *SitesBinder {
	return &SitesBinder{
		files:  files,
		logger: logger.With().Str("component", "binder").Logger(),
	}
}

// Target is where a binding makes a site reachable.
type Target struct {
	// Key is the sites.php key.
	Key string

	// URI is the public address of the site.
	URI string

	// Link is the symlink a path binding needs under the document root, or "".
	Link string
}

// Resolve computes the sites.php key and URI for req without touching anything.
func Resolve(req engine.BindRequest) (Target, error) {
	if err := req.Binding.Type.Validate(); err != nil {
		return Target{}, err
	}
	if req.Binding.Name == "" {
		return Target{}, fmt.Errorf("%s binding requires a name", req.Binding.Type)
	}

	scheme, host := "http", ""
	if req.URI != "" {
		raw := req.URI
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("invalid uri %q: %w", req.URI, err)
		}
		scheme, host = u.Scheme, u.Host
	}

	name := req.Binding.Name
	switch req.Binding.Type {
	case alias.BindingPath:
		if host == "" {
			return Target{}, fmt.Errorf("path binding %q requires a uri", name)
		}
		if req.Root == "" {
			return Target{}, fmt.Errorf("path binding %q requires a root", name)
		}
		return Target{
			Key:  host + "." + name,
			URI:  fmt.Sprintf("%s://%s/%s", scheme, host, name),
			Link: path.Join(req.Root, name),
		}, nil
	case alias.BindingSubdomain:
		if host == "" {
			return Target{}, fmt.Errorf("subdomain binding %q requires a uri", name)
		}
		key := name + "." + host
		return Target{Key: key, URI: scheme + "://" + key}, nil
	default:
		return Target{Key: name, URI: scheme + "://" + name}, nil
	}
}

func sitesFile(root string) string {
	return path.Join(root, "sites", "sites.php")
}

// Bind adds the sites.php entry and, for a path binding, links root/name to root.
// When the link cannot be made the entry written by this call is taken out again.
func (b *SitesBinder) Bind(ctx context.Context, req engine.BindRequest) (engine.BindResult, error) {
	var res engine.BindResult
	target, err := Resolve(req)
	if err != nil {
		return res, err
	}
	if req.SiteDir == "" {
		return res, fmt.Errorf("binding %q has no site directory", target.Key)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.read(ctx, req.Root)
	if err != nil {
		return res, err
	}

	if current, ok := entries.get(target.Key); ok {
		if current != req.SiteDir {
			return res, engine.NewPermanentError("domain already bound",
				fmt.Errorf("%s maps to sites/%s", target.Key, current),
			).WithCode(engine.ErrCodeConflict).WithResource(target.Key)
		}
	} else {
		entries.set(target.Key, req.SiteDir)
		if err := b.files.WriteFile(ctx, sitesFile(req.Root), entries.render(), sitesFileMode); err != nil {
			return res, err
		}
		res.Created.Entry = true
	}

	if target.Link != "" {
		existed, err := b.files.Exists(ctx, target.Link)
		if err == nil {
			err = b.files.Symlink(ctx, ".", target.Link)
		}
		if err != nil {
			if res.Created.Entry {
				if rbErr := b.removeEntry(ctx, req.Root, target.Key); rbErr != nil {
					b.logger.Error().Err(rbErr).Str("key", target.Key).Msg("failed to remove entry after link failure")
				} else {
					res.Created.Entry = false
				}
			}
			return res, err
		}
		res.Created.Link = !existed
	}

	res.URI = target.URI
	b.logger.Info().Str("key", target.Key).Str("site_dir", req.SiteDir).Str("uri", target.URI).
		Bool("added", res.Created.Entry).Msg("site bound")
	return res, nil
}

// Unbind removes the selected parts of a binding.
func (b *SitesBinder) Unbind(ctx context.Context, req engine.BindRequest, parts engine.BindParts) error {
	target, err := Resolve(req)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if parts.Link && target.Link != "" {
		if err := b.files.Remove(ctx, target.Link); err != nil {
			return err
		}
	}
	if parts.Entry {
		return b.removeEntry(ctx, req.Root, target.Key)
	}
	return nil
}

func (b *SitesBinder) removeEntry(ctx context.Context, root, key string) error {
	entries, err := b.read(ctx, root)
	if err != nil {
		return err
	}
	if !entries.remove(key) {
		return nil
	}
	if err := b.files.WriteFile(ctx, sitesFile(root), entries.render(), sitesFileMode); err != nil {
		return err
	}

	b.logger.Info().Str("key", key).Msg("site unbound")
	return nil
}

func (b *SitesBinder) read(ctx context.Context, root string) (*sitesMap, error) {
	file := sitesFile(root)
	exists, err := b.files.Exists(ctx, file)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &sitesMap{lines: []string{"<?php", ""}}, nil
	}

	data, err := b.files.ReadFile(ctx, file)
	if err != nil {
		return nil, err
	}
	return parseSites(string(data)), nil
}

// sitesMap keeps every line of sites.php so edits leave the rest untouched.
type sitesMap struct {
	lines []string
}

func parseSites(content string) *sitesMap {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	return &sitesMap{lines: lines}
}

func (m *sitesMap) get(key string) (string, bool) {
	for _, line := range m.lines {
		if match := sitesEntry.FindStringSubmatch(line); match != nil && unescape(match[1]) == key {
			return unescape(match[2]), true
		}
	}
	return "", false
}

func (m *sitesMap) set(key, dir string) {
	m.lines = append(m.lines, fmt.Sprintf("$sites['%s'] = '%s';", escape(key), escape(dir)))
}

func (m *sitesMap) remove(key string) bool {
	kept := m.lines[:0]
	removed := false
	for _, line := range m.lines {
		if match := sitesEntry.FindStringSubmatch(line); match != nil && unescape(match[1]) == key {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	m.lines = kept
	return removed
}

func (m *sitesMap) render() []byte {
	return []byte(strings.Join(m.lines, "\n") + "\n")
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func unescape(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\'`, `'`).Replace(s)
}
