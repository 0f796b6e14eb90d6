package platform

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// defaultSecretNames are the secrets every domain receives when none are
// requested explicitly.
var defaultSecretNames = []string{"API_TOKEN", "SIGNING_KEY"}

// FileSecretDistributor generates per-domain secrets and writes them to
// env-format distribution files under a local directory. Values persist
// across runs unless rotation is requested.
type FileSecretDistributor struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	secrets map[string]map[string]string
}

// NewFileSecretDistributor returns a distributor writing under dir.
func NewFileSecretDistributor(dir string, logger zerolog.Logger) (*FileSecretDistributor, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}
	return &FileSecretDistributor{
		dir:     dir,
		logger:  logger.With().Str("component", "secret-distributor").Logger(),
		secrets: make(map[string]map[string]string),
	}, nil
}

// GenerateSecrets generates (or rotates) secrets for the domain and writes
// the distribution file.
func (d *FileSecretDistributor) GenerateSecrets(ctx context.Context, domain string, cfg *engine.ResolvedConfig, opts engine.SecretOptions) (*engine.SecretBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := opts.Names
	if len(names) == 0 {
		names = defaultSecretNames
	}

	d.mu.Lock()
	existing := d.secrets[domain]
	if existing == nil {
		existing = make(map[string]string)
		d.secrets[domain] = existing
	}
	values := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := existing[name]; ok && !opts.Rotate {
			values[name] = v
			continue
		}
		v, err := randomSecret()
		if err != nil {
			d.mu.Unlock()
			return nil, engine.NewProvisioningError(
				fmt.Sprintf("failed to generate secret %s for %s", name, domain), err,
			).WithCode(engine.ErrCodeSecretDistribution)
		}
		existing[name] = v
		values[name] = v
	}
	d.mu.Unlock()

	path, err := d.writeDistributionFile(domain, values)
	if err != nil {
		return nil, engine.NewProvisioningError(
			fmt.Sprintf("failed to write distribution file for %s", domain), err,
		).WithCode(engine.ErrCodeSecretDistribution)
	}

	d.logger.Info().
		Str("domain", domain).
		Int("secrets", len(values)).
		Bool("rotated", opts.Rotate).
		Msg("secrets generated")

	return &engine.SecretBundle{
		Secrets:           values,
		DistributionFiles: []string{path},
	}, nil
}

// Revoke invalidates the domain's secrets and removes its distribution file.
func (d *FileSecretDistributor) Revoke(ctx context.Context, domain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.secrets, domain)
	d.mu.Unlock()

	path := d.distributionPath(domain)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return engine.NewProvisioningError(
			fmt.Sprintf("failed to remove distribution file for %s", domain), err,
		).WithCode(engine.ErrCodeSecretDistribution)
	}

	d.logger.Info().Str("domain", domain).Msg("secrets revoked")
	return nil
}

func (d *FileSecretDistributor) distributionPath(domain string) string {
	return filepath.Join(d.dir, domain+".env")
}

// writeDistributionFile writes the secrets in KEY=value format with stable
// key ordering, mode 0600.
func (d *FileSecretDistributor) writeDistributionFile(domain string, values map[string]string) (string, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s\n", name, values[name])
	}

	path := d.distributionPath(domain)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// randomSecret returns a 256-bit hex-encoded random value.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var _ engine.SecretDistributor = (*FileSecretDistributor)(nil)
