package sop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrane/tracedeck/errors"
)

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	full := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func TestTreeOrdersDirsFirstThenFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "zz.md", "z")
	writeFile(t, root, "index.md", "i")
	writeFile(t, root, "runbooks/rollback.md", "r")
	writeFile(t, root, "runbooks/deploy.md", "d")
	writeFile(t, root, "archive/old.md", "o")
	writeFile(t, root, ".hidden.md", "h")
	writeFile(t, root, "notes.txt", "n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	tree, err := NewStore(root).Tree()
	require.NoError(t, err)
	require.True(t, tree.IsDir)

	var names []string
	for _, child := range tree.Children {
		names = append(names, child.Name)
	}
	assert.Equal(t, []string{"archive", "runbooks", "index.md", "zz.md"}, names,
		"directories first, both groups alphabetical; hidden, non-markdown and empty dirs skipped")

	runbooks := tree.Children[1]
	require.True(t, runbooks.IsDir)
	require.Len(t, runbooks.Children, 2)
	assert.Equal(t, "deploy.md", runbooks.Children[0].Name)
	assert.Equal(t, filepath.Join("runbooks", "deploy.md"), runbooks.Children[0].Path)
}

func TestTreeMissingRootIsEmpty(t *testing.T) {
	tree, err := NewStore(filepath.Join(t.TempDir(), "nope")).Tree()
	require.NoError(t, err)
	assert.Empty(t, tree.Children)
}

func TestReadParsesFrontMatter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploy.md", `---
title: Deploy Service
description: Roll a service to production
version: "2.1"
tags: [deploy, prod]
---
# Steps

1. Build.
`)

	doc, err := NewStore(root).Read("deploy.md")
	require.NoError(t, err)
	assert.Equal(t, "Deploy Service", doc.Metadata.Title)
	assert.Equal(t, "Roll a service to production", doc.Metadata.Description)
	assert.Equal(t, "2.1", doc.Metadata.Version)
	assert.Equal(t, []string{"deploy", "prod"}, doc.Metadata.Tags)
	assert.Equal(t, "# Steps\n\n1. Build.\n", doc.Body)
}

func TestReadWithoutFrontMatter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "plain.md", "# Plain\n\nNo metadata here.\n")

	doc, err := NewStore(root).Read("plain.md")
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, doc.Metadata)
	assert.Equal(t, "# Plain\n\nNo metadata here.\n", doc.Body)
}

func TestReadMalformedFrontMatterDegrades(t *testing.T) {
	root := t.TempDir()
	content := "---\n{\n---\nbody\n"
	writeFile(t, root, "broken.md", content)

	doc, err := NewStore(root).Read("broken.md")
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, doc.Metadata)
	assert.Equal(t, content, doc.Body, "unparsable front matter is served as body")
}

func TestReadPathValidation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.md", "fine")

	store := NewStore(root)
	for _, p := range []string{
		"",
		"../outside.md",
		"a/../../outside.md",
		"/etc/passwd.md",
		"script.sh",
		"dir/readme.txt",
	} {
		_, err := store.Read(p)
		require.Error(t, err, "path %q must be rejected", p)
		assert.True(t, errors.IsInvalidRequestError(err), "path %q", p)
	}

	// Dot segments that stay inside the root are fine after cleaning.
	doc, err := store.Read("sub/../ok.md")
	require.NoError(t, err)
	assert.Equal(t, "ok.md", doc.Path)
}

func TestReadNotFound(t *testing.T) {
	_, err := NewStore(t.TempDir()).Read("missing.md")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSyncRequiresRemote(t *testing.T) {
	err := NewStore(t.TempDir()).Sync(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSyncClonesThenPulls(t *testing.T) {
	remote := t.TempDir()
	repo, err := git.PlainInit(remote, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(remote, "deploy.md"), []byte("# Deploy\n"), 0644))
	_, err = wt.Add("deploy.md")
	require.NoError(t, err)
	_, err = wt.Commit("add deploy sop", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	store := NewStore(filepath.Join(t.TempDir(), "library"))
	require.NoError(t, store.Sync(context.Background(), remote))

	doc, err := store.Read("deploy.md")
	require.NoError(t, err)
	assert.Contains(t, doc.Body, "# Deploy")

	// Second sync takes the pull path; already up to date is success.
	require.NoError(t, store.Sync(context.Background(), remote))
}

func TestWatchNotifiesDebounced(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	require.NoError(t, store.Watch(ctx, func() { changed <- struct{}{} }))

	writeFile(t, root, "new.md", "# New\n")

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after write")
	}
}
