package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// DefaultRemoteName is the remote that Pull updates from
const DefaultRemoteName = "origin"

// GoGitClient implements Client in-process with go-git, so no git binary is
// required on the host
type GoGitClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewGoGitClient creates a new go-git backed client
func NewGoGitClient(sshKeyFile, httpsTokenFile string) *GoGitClient {
	return &GoGitClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Clone clones url into destDir
func (c *GoGitClient) Clone(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	auth, err := c.authFor(url)
	if err != nil {
		return err
	}

	_, err = gogit.PlainCloneContext(ctx, destDir, false, &gogit.CloneOptions{
		URL:        url,
		RemoteName: DefaultRemoteName,
		Auth:       auth,
	})
	if err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Pull fast-forwards the working copy at dir. An already up to date
// repository is not an error.
func (c *GoGitClient) Pull(ctx context.Context, dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	remote, err := repo.Remote(DefaultRemoteName)
	if err != nil {
		return fmt.Errorf("failed to get remote configuration: %w", err)
	}

	var auth transport.AuthMethod
	if urls := remote.Config().URLs; len(urls) > 0 {
		if auth, err = c.authFor(urls[0]); err != nil {
			return err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	err = worktree.PullContext(ctx, &gogit.PullOptions{
		RemoteName: DefaultRemoteName,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// Head returns the commit hash of HEAD in dir
func (c *GoGitClient) Head(_ context.Context, dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// authFor resolves the AuthMethod for url; nil means anonymous access
//
//nolint:ireturn // go-git consumes the interface
func (c *GoGitClient) authFor(url string) (transport.AuthMethod, error) {
	if c.sshKeyFile != "" && isSSHURL(url) {
		keys, err := ssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.httpsTokenFile != "" && isHTTPSURL(url) {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}
