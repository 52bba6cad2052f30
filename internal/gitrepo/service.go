// Package gitrepo keeps a per-document git history of flushed snapshots.
package gitrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chronicle/collab/internal/collab"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/golang/glog"
)

const contentFile = "content.json"

var ErrNoHistory = errors.New("document has no history")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot records content as the next commit on main. The repository is
// created on first use. When the content matches the current head nothing is
// committed and changed is false.
func (s *Service) CommitSnapshot(documentID string, content json.RawMessage, author, message string) (info CommitInfo, changed bool, err error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return CommitInfo{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}

	var payload bytes.Buffer
	if err := json.Indent(&payload, content, "", "  "); err != nil {
		return CommitInfo{}, false, fmt.Errorf("format content: %w", err)
	}
	payload.WriteByte('\n')
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), payload.Bytes(), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add content: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return CommitInfo{}, false, fmt.Errorf("resolve head: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return CommitInfo{}, false, fmt.Errorf("read head commit: %w", err)
		}
		return toCommitInfo(commitObj), false, nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@collab.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// GetContentByHash returns the snapshot stored at a full or abbreviated hash.
func (s *Service) GetContentByHash(documentID, hash string) (json.RawMessage, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits newest first. A document that was never flushed has
// an empty history.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Flushed commits every persisted snapshot, authored by the sessions that were
// attached when it was taken.
func (s *Service) Flushed(_ context.Context, event collab.FlushEvent) {
	author := flushAuthor(event)
	message := fmt.Sprintf("Snapshot v%d\n\nflush: id=%s editors=%d", event.Version, event.ID, len(event.Editors))
	info, changed, err := s.CommitSnapshot(event.DocumentID, event.Content, author, message)
	if err != nil {
		glog.Warningf("history commit failed document=%s flush=%s: %v", event.DocumentID, event.ID, err)
		return
	}
	if changed {
		glog.V(1).Infof("history commit document=%s version=%d hash=%s", event.DocumentID, event.Version, info.Hash)
	}
}

func flushAuthor(event collab.FlushEvent) string {
	names := make([]string, 0, len(event.Editors))
	seen := make(map[string]struct{}, len(event.Editors))
	for _, editor := range event.Editors {
		if editor.ReadOnly {
			continue
		}
		name := strings.TrimSpace(editor.Name)
		if name == "" {
			name = editor.UserID
		}
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "Collab"
	}
	return strings.Join(names, ", ")
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, repoDirName(documentID))
}

func repoDirName(documentID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(documentID)
	if name == "" || name == "." || name == ".." {
		return "_" + name
	}
	return name
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func readContentFromCommit(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, fmt.Errorf("decode commit content: %w", err)
	}
	return json.RawMessage(compact.Bytes()), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
