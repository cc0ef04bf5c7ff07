// Package gitclone prepares read-only workspaces. It runs inside the init
// container of a session and reports progress through sentinel marker lines
// that the session reconciler reads back from the container log.
package gitclone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// EnvRepositories is the environment variable carrying the JSON list of repositories.
const EnvRepositories = "GIT_REPOSITORIES"

// Marker tokens. They are part of the contract with the session reconciler.
const (
	TokenStart   = "START_PREPARE_WORKSPACE"
	TokenFinish  = "FINISH_PREPARE_WORKSPACE"
	TokenFailure = "FAILURE_PREPARE_WORKSPACE"
)

// Marker renders a token as a log line.
func Marker(token string) string {
	return "---" + token + "---"
}

// Repository is one source to clone.
type Repository struct {
	URL      string `json:"url" validate:"required,url"`
	Revision string `json:"revision"`
	// Depth limits history. Zero clones the full history.
	Depth    int    `json:"depth" validate:"gte=0"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Path is the target directory, relative to the workspace root.
	Path string `json:"path" validate:"required"`
}

// Encode serialises repositories for EnvRepositories.
func Encode(repos []Repository) (string, error) {
	if repos == nil {
		repos = []Repository{}
	}
	data, err := json.Marshal(repos)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses the value of EnvRepositories.
func Decode(raw string) ([]Repository, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var repos []Repository
	if err := json.Unmarshal([]byte(raw), &repos); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EnvRepositories, err)
	}
	return repos, nil
}

// Runner executes git. It exists so tests can observe the commands.
type Runner func(ctx context.Context, args ...string) error

// ExecRunner runs the git binary, forwarding its output to w.
func ExecRunner(w io.Writer) Runner {
	return func(ctx context.Context, args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		return cmd.Run()
	}
}

// Cloner clones every repository below Root.
type Cloner struct {
	Root   string
	Run    Runner
	Out    io.Writer
	Logger zerolog.Logger
}

// CloneAll writes the start marker, clones each repository in order, and
// finishes with either the finish or the failure marker. The first failing
// repository stops the run.
func (c *Cloner) CloneAll(ctx context.Context, repos []Repository) error {
	if c.Run == nil {
		return errors.New("runner is required")
	}
	out := c.Out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintln(out, Marker(TokenStart))
	for _, repo := range repos {
		if err := c.clone(ctx, repo); err != nil {
			c.Logger.Error().Err(err).Str("path", repo.Path).Msg("clone repository")
			fmt.Fprintln(out, Marker(TokenFailure))
			return err
		}
		c.Logger.Info().Str("path", repo.Path).Str("revision", repo.Revision).Msg("repository cloned")
	}
	fmt.Fprintln(out, Marker(TokenFinish))
	return nil
}

func (c *Cloner) clone(ctx context.Context, repo Repository) error {
	remote, err := authenticatedURL(repo)
	if err != nil {
		return err
	}
	target, err := c.target(repo.Path)
	if err != nil {
		return err
	}

	args := []string{"clone", "--single-branch"}
	if repo.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(repo.Depth))
	}
	if repo.Revision != "" {
		args = append(args, "--branch", repo.Revision)
	}
	args = append(args, remote, target)

	if err := c.Run(ctx, args...); err != nil {
		// The revision may be a commit hash, which --branch cannot resolve.
		if repo.Revision == "" {
			return fmt.Errorf("git clone %s: %w", repo.URL, err)
		}
		return c.cloneCommit(ctx, repo, remote, target)
	}
	return nil
}

func (c *Cloner) cloneCommit(ctx context.Context, repo Repository, remote, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := c.Run(ctx, "clone", "--no-checkout", remote, target); err != nil {
		return fmt.Errorf("git clone %s: %w", repo.URL, err)
	}
	if err := c.Run(ctx, "-C", target, "checkout", repo.Revision); err != nil {
		return fmt.Errorf("git checkout %s: %w", repo.Revision, err)
	}
	return nil
}

func (c *Cloner) target(path string) (string, error) {
	root := c.Root
	if root == "" {
		root = "/models"
	}
	target := filepath.Join(root, filepath.Clean("/"+path))
	if target == filepath.Clean(root) {
		return "", fmt.Errorf("invalid repository path %q", path)
	}
	return target, nil
}

func authenticatedURL(repo Repository) (string, error) {
	u, err := url.Parse(repo.URL)
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	if repo.Username != "" || repo.Password != "" {
		u.User = url.UserPassword(repo.Username, repo.Password)
	}
	return u.String(), nil
}
