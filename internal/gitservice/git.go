// Package gitservice implements the stateless git operations the loop engine
// needs to isolate a run in its own worktree, commit progress, and sync with
// a base branch before pushing.
package gitservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ralphloop/ralph/internal/executor"
)

// CommandError wraps a failed git invocation with its exit code and stderr.
type CommandError struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// NoChangesToCommit is returned by Commit when the index has nothing staged.
var NoChangesToCommit = errors.New("no changes to commit")

// BranchMismatchError is returned by EnsureBranch (and so by Commit) when the
// current branch is not the expected one and either the working tree is too
// dirty to auto-checkout or auto-checkout was not requested.
type BranchMismatchError struct {
	CurrentBranch  string
	ExpectedBranch string
}

func (e *BranchMismatchError) Error() string {
	return fmt.Sprintf("expected branch %q, on %q with uncommitted changes", e.ExpectedBranch, e.CurrentBranch)
}

// Service performs git operations against directories passed explicitly to
// each call. It holds no per-repo state so one Service can serve every loop;
// all shell invocations go through a CommandExecutor (C2), so a remote
// execution channel can back it without changing any method here.
type Service struct {
	Executor executor.CommandExecutor
}

// New returns a Service backed by the local OS's git binary.
func New() *Service {
	return &Service{Executor: executor.NewLocal()}
}

// NewWithExecutor returns a Service backed by the given CommandExecutor.
func NewWithExecutor(e executor.CommandExecutor) *Service {
	return &Service{Executor: e}
}

func (s *Service) exec(dir string, args ...string) (string, string, error) {
	ex := s.Executor
	if ex == nil {
		ex = executor.NewLocal()
	}
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	res, err := ex.Exec(context.Background(), "git", append(base, args...), executor.ExecOptions{})
	if err != nil {
		return "", "", err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, &CommandError{
			Args: args, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode,
			Err: fmt.Errorf("exit status %d", res.ExitCode),
		}
	}
	return res.Stdout, res.Stderr, nil
}

// IsGitRepo reports whether dir is inside a git working tree.
func (s *Service) IsGitRepo(dir string) bool {
	out, _, err := s.exec(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// GetCurrentBranch returns the checked-out branch name. On an empty repo
// (HEAD has no commits) it falls back to the symbolic-ref so the notional
// current branch is still reported.
func (s *Service) GetCurrentBranch(dir string) (string, error) {
	out, _, err := s.exec(dir, "branch", "--show-current")
	if err == nil {
		if name := strings.TrimSpace(out); name != "" {
			return name, nil
		}
	}
	ref, _, err := s.exec(dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(ref), nil
}

// LocalBranch describes one entry returned by GetLocalBranches.
type LocalBranch struct {
	Name    string
	Current bool
}

// GetLocalBranches lists local branches sorted by name, including the
// notional branch of a repo with no commits yet.
func (s *Service) GetLocalBranches(dir string) ([]LocalBranch, error) {
	out, _, err := s.exec(dir, "branch", "--list")
	if err != nil {
		return nil, err
	}
	var branches []LocalBranch
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		current := strings.HasPrefix(line, "* ")
		name := strings.TrimSpace(strings.TrimPrefix(line, "* "))
		branches = append(branches, LocalBranch{Name: name, Current: current})
	}
	if len(branches) == 0 {
		// Empty repo: no commits yet, so `git branch` lists nothing. Report
		// the notional current branch via symbolic-ref instead.
		cur, err := s.GetCurrentBranch(dir)
		if err != nil || cur == "" {
			return nil, err
		}
		return []LocalBranch{{Name: cur, Current: true}}, nil
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// HasUncommittedChanges reports whether the working tree has any staged or
// unstaged modifications (porcelain status is non-empty).
func (s *Service) HasUncommittedChanges(dir string) (bool, error) {
	out, _, err := s.exec(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// GetChangedFiles lists paths with uncommitted changes, handling renames
// ("A -> B") and the leading-space porcelain status codes.
func (s *Service) GetChangedFiles(dir string) ([]string, error) {
	out, _, err := s.exec(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if arrow := strings.Index(path, " -> "); arrow >= 0 {
			path = path[arrow+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// CreateBranch creates a new branch from base (HEAD if base is empty).
func (s *Service) CreateBranch(dir, branch, base string) error {
	args := []string{"branch", branch}
	if base != "" {
		args = append(args, base)
	}
	_, _, err := s.exec(dir, args...)
	return err
}

// CheckoutBranch switches the working tree to branch.
func (s *Service) CheckoutBranch(dir, branch string) error {
	_, _, err := s.exec(dir, "checkout", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (s *Service) DeleteBranch(dir, branch string) error {
	_, _, err := s.exec(dir, "branch", "-D", branch)
	return err
}

// BranchExists reports whether a local branch with that name exists.
func (s *Service) BranchExists(dir, branch string) bool {
	_, _, err := s.exec(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// StageAll runs `git add -A`.
func (s *Service) StageAll(dir string) error {
	_, _, err := s.exec(dir, "add", "-A")
	return err
}

// CommitOptions configures Commit's optional branch guard.
type CommitOptions struct {
	ExpectedBranch string
}

// CommitResult describes a successful commit.
type CommitResult struct {
	SHA          string
	Message      string
	FilesChanged []string
}

// EnsureBranch checks out branch if not already on it. If the tree is dirty
// and the current branch differs from branch, it fails fast rather than
// risk losing uncommitted work on the wrong branch.
func (s *Service) EnsureBranch(dir, branch string, autoCheckout bool) error {
	current, err := s.GetCurrentBranch(dir)
	if err != nil {
		return err
	}
	if current == branch {
		return nil
	}
	dirty, err := s.HasUncommittedChanges(dir)
	if err != nil {
		return err
	}
	if dirty {
		return &BranchMismatchError{CurrentBranch: current, ExpectedBranch: branch}
	}
	if !autoCheckout {
		return &BranchMismatchError{CurrentBranch: current, ExpectedBranch: branch}
	}
	return s.CheckoutBranch(dir, branch)
}

// Commit runs the EnsureBranch guard when opts.ExpectedBranch is set, stages
// every change itself via StageAll, and fails with NoChangesToCommit if
// nothing is left to commit after staging.
func (s *Service) Commit(dir, message string, opts CommitOptions) (*CommitResult, error) {
	if opts.ExpectedBranch != "" {
		if err := s.EnsureBranch(dir, opts.ExpectedBranch, true); err != nil {
			return nil, err
		}
	}
	if err := s.StageAll(dir); err != nil {
		return nil, err
	}
	hasChanges, err := s.HasUncommittedChanges(dir)
	if err != nil {
		return nil, err
	}
	if !hasChanges {
		return nil, NoChangesToCommit
	}
	files, err := s.GetChangedFiles(dir)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.exec(dir, "commit", "-m", message); err != nil {
		return nil, err
	}
	sha, _, err := s.exec(dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &CommitResult{SHA: strings.TrimSpace(sha), Message: message, FilesChanged: files}, nil
}

// ResetHard discards all uncommitted changes and untracked files.
func (s *Service) ResetHard(dir string, expectedBranch string) error {
	if expectedBranch != "" {
		current, err := s.GetCurrentBranch(dir)
		if err != nil {
			return err
		}
		if current != expectedBranch {
			if err := s.CheckoutBranch(dir, expectedBranch); err != nil {
				return err
			}
		}
	}
	if _, _, err := s.exec(dir, "reset", "--hard"); err != nil {
		return err
	}
	_, _, err := s.exec(dir, "clean", "-fd")
	return err
}

// Stash stashes the working tree, including untracked files.
func (s *Service) Stash(dir string) error {
	_, _, err := s.exec(dir, "stash", "push", "-u")
	return err
}

// StashPop restores the most recent stash.
func (s *Service) StashPop(dir string) error {
	_, _, err := s.exec(dir, "stash", "pop")
	return err
}

// Fetch updates remote's tracking refs for branch without touching the
// working tree or index, so the caller can inspect origin/<branch> (e.g.
// via IsAncestor) before deciding whether a merge is needed.
func (s *Service) Fetch(dir, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		_, _, err := s.exec(dir, "fetch", remote)
		return err
	}
	_, _, err := s.exec(dir, "fetch", remote, branch)
	return err
}

// Pull fetches origin/branch and fast-forward-merges it, never plain `git
// pull`, so a failure leaves the working tree exactly as it was. Returns
// false (not an error) when there is no remote, no upstream, or no
// fast-forward is possible.
func (s *Service) Pull(dir, branch, remote string) bool {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		var err error
		branch, err = s.GetCurrentBranch(dir)
		if err != nil || branch == "" {
			return false
		}
	}
	if _, _, err := s.exec(dir, "fetch", remote, branch); err != nil {
		return false
	}
	if _, _, err := s.exec(dir, "merge", "--ff-only", fmt.Sprintf("%s/%s", remote, branch)); err != nil {
		return false
	}
	return true
}

// PushBranch pushes branch to remote with -u and returns "<remote>/<branch>".
func (s *Service) PushBranch(dir, branch, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	if _, _, err := s.exec(dir, "push", "-u", remote, branch); err != nil {
		return "", err
	}
	return remote + "/" + branch, nil
}

// DiffFileStatus is the change kind of one file in a diff.
type DiffFileStatus string

const (
	DiffAdded    DiffFileStatus = "added"
	DiffModified DiffFileStatus = "modified"
	DiffDeleted  DiffFileStatus = "deleted"
	DiffRenamed  DiffFileStatus = "renamed"
)

// DiffFile is one file's change summary.
type DiffFile struct {
	Path      string
	Status    DiffFileStatus
	Additions int
	Deletions int
}

// GetDiff builds per-file change stats from one --numstat call plus one
// --name-status call (never per-file, to keep this O(1) in file count).
func (s *Service) GetDiff(dir, base string) ([]DiffFile, error) {
	numstat, _, err := s.exec(dir, "diff", "--numstat", base)
	if err != nil {
		return nil, err
	}
	nameStatus, _, err := s.exec(dir, "diff", "--name-status", base)
	if err != nil {
		return nil, err
	}

	additions := map[string]int{}
	deletions := map[string]int{}
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		a, _ := strconv.Atoi(fields[0])
		d, _ := strconv.Atoi(fields[1])
		path := fields[2]
		additions[path] = a
		deletions[path] = d
	}

	var out []DiffFile
	for _, line := range strings.Split(nameStatus, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		code := fields[0]
		var status DiffFileStatus
		var path string
		switch {
		case strings.HasPrefix(code, "A"):
			status, path = DiffAdded, fields[1]
		case strings.HasPrefix(code, "D"):
			status, path = DiffDeleted, fields[1]
		case strings.HasPrefix(code, "R"):
			status = DiffRenamed
			if len(fields) >= 3 {
				path = fields[2]
			} else {
				path = fields[1]
			}
		default:
			status, path = DiffModified, fields[1]
		}
		out = append(out, DiffFile{
			Path:      path,
			Status:    status,
			Additions: additions[path],
			Deletions: deletions[path],
		})
	}
	return out, nil
}

// DiffFileWithContent adds the unified-diff patch text to a DiffFile.
type DiffFileWithContent struct {
	DiffFile
	Patch string
}

// GetDiffWithContent additionally parses the unified diff and attaches the
// per-file patch text. The service itself does not rewrite line endings: the
// per-file metadata comes out the same for an executor that reports \r\n,
// while the patch text keeps whatever line endings the executor returned.
func (s *Service) GetDiffWithContent(dir, base string) ([]DiffFileWithContent, error) {
	files, err := s.GetDiff(dir, base)
	if err != nil {
		return nil, err
	}
	raw, _, err := s.exec(dir, "diff", base)
	if err != nil {
		return nil, err
	}
	patches := splitUnifiedDiff(raw)
	out := make([]DiffFileWithContent, 0, len(files))
	for _, f := range files {
		out = append(out, DiffFileWithContent{DiffFile: f, Patch: patches[f.Path]})
	}
	return out, nil
}

// splitUnifiedDiff splits the output of `git diff` into per-file patch
// bodies keyed by the file's post-image path.
func splitUnifiedDiff(raw string) map[string]string {
	out := map[string]string{}
	lines := strings.Split(raw, "\n")
	var cur string
	var buf []string
	flush := func() {
		if cur != "" {
			out[cur] = strings.Join(buf, "\n")
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			buf = buf[:0]
			cur = parseDiffGitPath(line)
		}
		buf = append(buf, line)
	}
	flush()
	return out
}

func parseDiffGitPath(line string) string {
	// "diff --git a/foo b/foo"
	parts := strings.Fields(line)
	if len(parts) < 4 {
		return ""
	}
	b := parts[len(parts)-1]
	return strings.TrimPrefix(b, "b/")
}

// GetDiffSummary returns aggregate added/deleted line counts between base and
// the working tree.
func (s *Service) GetDiffSummary(dir, base string) (additions, deletions int, err error) {
	files, err := s.GetDiff(dir, base)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range files {
		additions += f.Additions
		deletions += f.Deletions
	}
	return additions, deletions, nil
}

// GetFileDiffContent returns the patch text for a single file.
func (s *Service) GetFileDiffContent(dir, base, path string) (string, error) {
	out, _, err := s.exec(dir, "diff", base, "--", path)
	if err != nil {
		return "", err
	}
	return out, nil
}

// GetDefaultBranch prefers origin/HEAD, else main, else master, else current.
func (s *Service) GetDefaultBranch(dir string) (string, error) {
	out, _, err := s.exec(dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		name := strings.TrimSpace(out)
		name = strings.TrimPrefix(name, "refs/remotes/origin/")
		if name != "" {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if s.BranchExists(dir, candidate) {
			return candidate, nil
		}
	}
	return s.GetCurrentBranch(dir)
}

// IsAncestor reports whether ref is an ancestor of maybeDescendant.
func (s *Service) IsAncestor(dir, ref, maybeDescendant string) bool {
	_, _, err := s.exec(dir, "merge-base", "--is-ancestor", ref, maybeDescendant)
	return err == nil
}

// MergeResult is the outcome of MergeWithConflictDetection.
type MergeResult struct {
	Success         bool
	AlreadyUpToDate bool
	HasConflicts    bool
	ConflictedFiles []string
	MergeCommitSHA  string
}

// MergeWithConflictDetection attempts a merge and classifies the result
// instead of treating a conflicted merge as a hard error.
func (s *Service) MergeWithConflictDetection(dir, source, commitMessage string) (*MergeResult, error) {
	args := []string{"merge", "--no-ff"}
	if commitMessage != "" {
		args = append(args, "-m", commitMessage)
	}
	args = append(args, source)
	_, stderr, err := s.exec(dir, args...)
	if err == nil {
		sha, _, shaErr := s.exec(dir, "rev-parse", "HEAD")
		if shaErr != nil {
			return nil, shaErr
		}
		alreadyUpToDate := strings.Contains(stderr, "Already up to date")
		return &MergeResult{Success: true, AlreadyUpToDate: alreadyUpToDate, MergeCommitSHA: strings.TrimSpace(sha)}, nil
	}
	conflicted, confErr := s.GetConflictedFiles(dir)
	if confErr == nil && len(conflicted) > 0 {
		return &MergeResult{Success: false, HasConflicts: true, ConflictedFiles: conflicted}, nil
	}
	return nil, err
}

// AbortMerge runs `git merge --abort`.
func (s *Service) AbortMerge(dir string) error {
	_, _, err := s.exec(dir, "merge", "--abort")
	return err
}

// GetConflictedFiles lists paths with unresolved merge conflicts.
func (s *Service) GetConflictedFiles(dir string) ([]string, error) {
	out, _, err := s.exec(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			files = append(files, t)
		}
	}
	return files, nil
}

const worktreeExcludeEntry = ".ralph-worktrees"

// CreateWorktree creates path, checks out newBranch from base (HEAD if
// empty), and appends the worktree directory name to
// <dir>/.git/info/exclude exactly once.
func (s *Service) CreateWorktree(dir, path, newBranch, base string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, _, err := s.exec(dir, args...); err != nil {
		return err
	}
	return s.EnsureWorktreeExcluded(dir)
}

// AddWorktreeForExistingBranch checks out an existing branch into a new worktree.
func (s *Service) AddWorktreeForExistingBranch(dir, path, branch string) error {
	_, _, err := s.exec(dir, "worktree", "add", path, branch)
	return err
}

// WorktreeExists reports whether path is a registered worktree.
func (s *Service) WorktreeExists(dir, path string) bool {
	list, err := s.ListWorktrees(dir)
	if err != nil {
		return false
	}
	abs, _ := filepath.Abs(path)
	for _, w := range list {
		wAbs, _ := filepath.Abs(w.Path)
		if wAbs == abs {
			return true
		}
	}
	return false
}

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees parses `git worktree list --porcelain`.
func (s *Service) ListWorktrees(dir string) ([]Worktree, error) {
	out, _, err := s.exec(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var list []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return list, nil
}

// RemoveWorktree removes a worktree, optionally forcing removal of one with
// uncommitted changes.
func (s *Service) RemoveWorktree(dir, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, _, err := s.exec(dir, args...)
	return err
}

// PruneWorktrees removes stale worktree administrative entries.
func (s *Service) PruneWorktrees(dir string) error {
	_, _, err := s.exec(dir, "worktree", "prune")
	return err
}

// EnsureWorktreeExcluded idempotently appends .ralph-worktrees to
// <dir>/.git/info/exclude. dir must be the main checkout; if called from
// inside a worktree (where .git is a file, not a directory), the gitdir
// pointer is followed back to the main repo's git directory first.
func (s *Service) EnsureWorktreeExcluded(dir string) error {
	gitDir, err := s.resolveGitDir(dir)
	if err != nil {
		return err
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == worktreeExcludeEntry {
			return nil
		}
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + worktreeExcludeEntry + "\n")
	return err
}

// resolveGitDir returns the real .git directory for dir, following the
// `gitdir: <path>` pointer when dir's .git is a file (i.e. dir is itself a
// worktree rather than the main checkout).
func (s *Service) resolveGitDir(dir string) (string, error) {
	gitPath := filepath.Join(dir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return gitPath, nil
	}
	contents, err := os.ReadFile(gitPath)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(contents))
	const marker = "gitdir: "
	if !strings.HasPrefix(line, marker) {
		return "", fmt.Errorf("unrecognized .git file contents in %s", dir)
	}
	worktreeGitDir := strings.TrimPrefix(line, marker)
	if !filepath.IsAbs(worktreeGitDir) {
		worktreeGitDir = filepath.Join(dir, worktreeGitDir)
	}
	// worktreeGitDir looks like <repo>/.git/worktrees/<name>; the main
	// repo's git dir is two levels up.
	mainGitDir := filepath.Dir(filepath.Dir(worktreeGitDir))
	if filepath.Base(mainGitDir) != ".git" {
		return worktreeGitDir, nil
	}
	return mainGitDir, nil
}

// CleanupStaleLockFiles removes a stale index.lock left behind by a crashed
// git process, retrying with exponential backoff in case another process
// genuinely holds the lock.
func (s *Service) CleanupStaleLockFiles(dir string, retries int, backoff time.Duration) error {
	lockPath := filepath.Join(dir, ".git", "index.lock")
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return nil
	}
	delay := backoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := os.Remove(lockPath); err == nil || os.IsNotExist(err) {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("cleanup stale lock %s: %w", lockPath, lastErr)
}
