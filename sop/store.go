// Package sop serves the standard-operating-procedure library: a directory
// tree of markdown documents with optional YAML front matter, optionally
// mirrored from a git remote.
package sop

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
)

// Metadata holds the YAML front matter fields the dashboard surfaces.
// Unknown keys are ignored.
type Metadata struct {
	Title       string   `yaml:"title" json:"title,omitempty"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Version     string   `yaml:"version" json:"version,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
}

// Document is one SOP file: its root-relative path, parsed front matter, and
// markdown body.
type Document struct {
	Path     string   `json:"path"`
	Metadata Metadata `json:"metadata"`
	Body     string   `json:"body"`
}

// Entry is a node of the SOP tree. Directories list children with
// subdirectories first, then files, both alphabetical; only markdown files
// appear and hidden entries are skipped.
type Entry struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	IsDir    bool     `json:"isDir"`
	Children []*Entry `json:"children,omitempty"`
}

// Store reads SOP documents from a root directory. All paths it accepts are
// validated root-relative paths; nothing outside the root is reachable.
type Store struct {
	root string
	log  *zap.SugaredLogger
}

// NewStore creates a store over root. The directory does not have to exist
// yet; Sync can populate it.
func NewStore(root string) *Store {
	return &Store{
		root: filepath.Clean(root),
		log:  logger.ComponentLogger("sop"),
	}
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// Tree walks the library and returns its root entry. An empty or missing
// library yields a root with no children.
func (s *Store) Tree() (*Entry, error) {
	root := &Entry{
		Name:  filepath.Base(s.root),
		Path:  "",
		IsDir: true,
	}

	children, err := s.buildTree("")
	if err != nil {
		if os.IsNotExist(err) {
			return root, nil
		}
		return nil, errors.Wrap(err, "walking sop library")
	}
	root.Children = children
	return root, nil
}

func (s *Store) buildTree(relPath string) ([]*Entry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.root, relPath))
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		entryPath := filepath.Join(relPath, name)
		if de.IsDir() {
			children, err := s.buildTree(entryPath)
			if err != nil {
				return nil, err
			}
			// Directories without any markdown content stay hidden.
			if len(children) > 0 {
				entries = append(entries, &Entry{
					Name:     name,
					Path:     entryPath,
					IsDir:    true,
					Children: children,
				})
			}
		} else if strings.HasSuffix(name, ".md") {
			entries = append(entries, &Entry{
				Name:  name,
				Path:  entryPath,
				IsDir: false,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read loads one document by root-relative path. The path is validated
// before any I/O happens.
func (s *Store) Read(relPath string) (*Document, error) {
	clean, err := s.validatePath(relPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("sop document %s not found", clean)
		}
		return nil, errors.Wrapf(err, "reading sop document %s", clean)
	}

	metadata, body := parseFrontMatter(string(content))
	return &Document{
		Path:     clean,
		Metadata: metadata,
		Body:     body,
	}, nil
}

// validatePath cleans and screens a requested path: it must stay relative,
// must not escape the root, and must name a markdown file.
func (s *Store) validatePath(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.NewInvalidRequestError("sop path must not be empty")
	}

	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		s.log.Warnw("Rejected path traversal attempt",
			"requested_path", relPath,
			"clean_path", clean)
		return "", errors.NewInvalidRequestError("path escapes sop root: %s", relPath)
	}
	if !strings.HasSuffix(clean, ".md") {
		return "", errors.NewInvalidRequestError("only markdown documents are served: %s", relPath)
	}
	return clean, nil
}

// parseFrontMatter splits a document on --- fences. Content without a fence
// is all body with empty metadata; a malformed YAML block degrades the same
// way rather than failing the read.
func parseFrontMatter(content string) (Metadata, string) {
	var metadata Metadata

	if !strings.HasPrefix(content, "---") {
		return metadata, content
	}

	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return metadata, content
	}

	raw := strings.TrimSpace(parts[1])
	if raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &metadata); err != nil {
			return Metadata{}, content
		}
	}
	return metadata, strings.TrimLeft(parts[2], "\n")
}
