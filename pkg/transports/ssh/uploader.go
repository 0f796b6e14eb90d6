package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"
)

// Uploader copies secret distribution files to the configured drop host
// over SFTP. A fresh connection is dialed per upload batch.
type Uploader struct {
	cfg    *Config
	logger zerolog.Logger
}

// NewUploader validates the configuration and returns an Uploader.
func NewUploader(cfg *Config, logger zerolog.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid drop host config: %w", err)
	}
	return &Uploader{
		cfg:    cfg,
		logger: logger.With().Str("component", "sftp-uploader").Str("host", cfg.Host).Logger(),
	}, nil
}

// UploadDistributionFiles uploads the given local files into remoteDir on
// the drop host. The remote directory is created if missing and files are
// written with mode 0600.
func (u *Uploader) UploadDistributionFiles(ctx context.Context, remoteDir string, localPaths []string) error {
	if len(localPaths) == 0 {
		return nil
	}

	client, sftpClient, err := u.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
	}

	for _, localPath := range localPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.Base(localPath))
		n, err := u.uploadFile(sftpClient, localPath, remotePath)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", localPath, err)
		}
		u.logger.Debug().
			Str("local", localPath).
			Str("remote", remotePath).
			Int64("bytes", n).
			Msg("distribution file uploaded")
	}

	u.logger.Info().
		Str("remote_dir", remoteDir).
		Int("files", len(localPaths)).
		Msg("distribution files uploaded")
	return nil
}

// connect dials the drop host and opens an SFTP session on top of it.
func (u *Uploader) connect(ctx context.Context) (*gossh.Client, *sftp.Client, error) {
	clientCfg, err := u.cfg.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	dialCtx, cancel := context.WithTimeout(ctx, u.cfg.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		client *gossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := gossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{client: client, err: err}
	}()

	select {
	case <-dialCtx.Done():
		return nil, nil, fmt.Errorf("dial %s: %w", addr, dialCtx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", addr, res.err)
		}
		sftpClient, err := sftp.NewClient(res.client)
		if err != nil {
			res.client.Close()
			return nil, nil, fmt.Errorf("failed to open sftp session: %w", err)
		}
		return res.client, sftpClient, nil
	}
}

// uploadFile copies a single local file to the remote path with mode 0600.
func (u *Uploader) uploadFile(client *sftp.Client, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}

	if err := client.Chmod(remotePath, 0o600); err != nil {
		return n, fmt.Errorf("failed to set permissions on %s: %w", remotePath, err)
	}
	return n, nil
}
