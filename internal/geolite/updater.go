package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "vpnshield-geolite-updater/1.0"

	editionASN     = "GeoLite2-ASN"
	editionCountry = "GeoLite2-Country"
)

// ErrNoLicenseKey indicates that no MaxMind license key has been configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// Reloader is implemented by the geolite provider.
type Reloader interface {
	Reload(asnPath, countryPath string) error
}

type Options struct {
	LicenseKey  string
	ASNPath     string
	CountryPath string
	DownloadURL string
	Client      *http.Client
}

type downloadTarget struct {
	editionID string
	path      string
}

// Updater keeps the local MaxMind databases current and optionally mirrors
// them through redis so only one node has to download the archives.
type Updater struct {
	reloader    Reloader
	group       singleflight.Group
	client      *http.Client
	downloadURL string

	mu      sync.RWMutex
	opts    Options
	redis   *redis.Client
	nodeID  string
	syncCtx context.Context
	cancel  context.CancelFunc
}

func NewUpdater(reloader Reloader, opts Options) *Updater {
	u := &Updater{
		reloader:    reloader,
		client:      opts.Client,
		downloadURL: opts.DownloadURL,
		nodeID:      generateNodeID(),
	}
	if u.client == nil {
		u.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if u.downloadURL == "" {
		u.downloadURL = maxMindDownloadURL
	}
	u.SetOptions(opts)
	return u
}

// SetOptions replaces the license key and paths used by later updates.
func (u *Updater) SetOptions(opts Options) {
	opts.LicenseKey = strings.TrimSpace(opts.LicenseKey)
	u.mu.Lock()
	u.opts = opts
	u.mu.Unlock()
}

func (u *Updater) options() Options {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.opts
}

func (u *Updater) targets(opts Options) []downloadTarget {
	targets := make([]downloadTarget, 0, 2)
	if opts.ASNPath != "" {
		targets = append(targets, downloadTarget{editionID: editionASN, path: opts.ASNPath})
	}
	if opts.CountryPath != "" {
		targets = append(targets, downloadTarget{editionID: editionCountry, path: opts.CountryPath})
	}
	return targets
}

// Update downloads every configured edition and reloads the provider. It
// returns true when new databases were installed.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (any, error) {
		opts := u.options()
		if opts.LicenseKey == "" {
			return false, ErrNoLicenseKey
		}

		targets := u.targets(opts)
		if len(targets) == 0 {
			return false, nil
		}

		for _, target := range targets {
			if err := u.downloadEdition(ctx, opts.LicenseKey, target); err != nil {
				return false, err
			}
		}

		if err := u.reload(opts); err != nil {
			return false, fmt.Errorf("reload geolite: %w", err)
		}

		if err := u.Publish(ctx); err != nil {
			log.Warn("Failed to publish GeoLite databases to redis", "error", err)
		}

		return true, nil
	})

	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func (u *Updater) reload(opts Options) error {
	if u.reloader == nil {
		return nil
	}
	return u.reloader.Reload(opts.ASNPath, opts.CountryPath)
}

func (u *Updater) downloadEdition(ctx context.Context, licenseKey string, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildDownloadURL(licenseKey, target.editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.editionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	wanted := target.editionID + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", target.editionID, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) != wanted {
			continue
		}

		if err := writeToFile(target.path, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", target.editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", target.editionID)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}

func (u *Updater) buildDownloadURL(licenseKey, edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.downloadURL, edition, licenseKey)
}
