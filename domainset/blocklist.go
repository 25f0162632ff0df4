package domainset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/util"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	// csvDomainColumn is the 1-based CSV column (semicolon-delimited) holding the domain
	csvDomainColumn = 2

	cachedImportFileName = "imported_domains.cache"
)

// BlocklistLoader periodically downloads the zapret-style CSV and NXDOMAIN
// feeds into a Set's imported tier, falling back to the last good cache on
// download failure.
type BlocklistLoader struct {
	set *Set

	workDir        string
	csvURL         string
	nxdomainURL    string
	refreshPeriod  time.Duration
	timeout        time.Duration
	attempts       uint
	cooldown       time.Duration
	concurrency    int

	httpClient *http.Client
}

// NewBlocklistLoader builds a loader targeting set
func NewBlocklistLoader(set *Set, workDir, csvURL, nxdomainURL string,
	refreshPeriod, timeout, cooldown time.Duration, attempts uint, concurrency int,
) *BlocklistLoader {
	return &BlocklistLoader{
		set:           set,
		workDir:       workDir,
		csvURL:        csvURL,
		nxdomainURL:   nxdomainURL,
		refreshPeriod: refreshPeriod,
		timeout:       timeout,
		attempts:      attempts,
		cooldown:      cooldown,
		concurrency:   concurrency,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxConnsPerHost: concurrency},
		},
	}
}

func (l *BlocklistLoader) logger() *logrus.Entry {
	return log.PrefixedLog("blocklist")
}

// Start performs an initial import and, if refreshPeriod is positive, begins
// a background ticker that re-imports on that interval.
func (l *BlocklistLoader) Start(ctx context.Context) error {
	if err := os.MkdirAll(l.workDir, 0o755); err != nil {
		return fmt.Errorf("domainset: create workdir %q: %w", l.workDir, err)
	}

	if err := l.Import(ctx); err != nil {
		return err
	}

	if l.refreshPeriod > 0 {
		go l.periodicImport(ctx)
	}

	return nil
}

func (l *BlocklistLoader) periodicImport(ctx context.Context) {
	ticker := time.NewTicker(l.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Import(ctx); err != nil {
				l.logger().WithError(err).Error("blocklist refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Import downloads the CSV feed (always) and the NXDOMAIN feed (if
// configured), applying both to the set's imported tier.
func (l *BlocklistLoader) Import(ctx context.Context) error {
	start := time.Now()

	domains, err := l.downloadCSV(ctx)
	if err != nil {
		evt.Bus().Publish(evt.DomainSetRefreshFailed, err.Error())

		return err
	}

	l.set.replaceImported(domains)

	var removed int

	if l.nxdomainURL != "" {
		removed, err = l.downloadNXDomains(ctx)
		if err != nil {
			l.logger().WithError(err).Warn("nxdomain feed download failed, imported set left as-is")
		}
	}

	l.logger().Infof("imported %d domains (%d removed by nxdomain feed) in %s",
		len(domains), removed, time.Since(start))

	evt.Bus().Publish(evt.DomainSetImported, "imported", len(domains))

	return nil
}

func (l *BlocklistLoader) cachePath() string {
	return filepath.Join(l.workDir, cachedImportFileName)
}

// downloadCSV fetches the zapret-style domains CSV and streams it into a
// domain set, decoding each domain field from Windows-1251. On download
// failure it falls back to the last good cache written to disk.
func (l *BlocklistLoader) downloadCSV(ctx context.Context) (map[string]struct{}, error) {
	body, err := l.fetch(ctx, l.csvURL)
	if err != nil {
		l.logger().WithError(err).Warn("csv feed download failed, falling back to cache")

		return l.readCache()
	}
	defer body.Close()

	domains, parseErr := parseCSVDomains(body)
	if parseErr != nil {
		return nil, parseErr
	}

	if err := l.writeCache(domains); err != nil {
		l.logger().WithError(err).Warn("failed to persist imported-domains cache")
	}

	return domains, nil
}

// downloadNXDomains fetches a plain newline-delimited list of domains that
// should be retracted from the imported tier, and removes each one.
func (l *BlocklistLoader) downloadNXDomains(ctx context.Context) (int, error) {
	body, err := l.fetch(ctx, l.nxdomainURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var removed int

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		domain := util.ExtractDomainOnly(strings.TrimSpace(scanner.Text()))
		if domain == "" {
			continue
		}

		l.set.removeImported(domain)

		removed++
	}

	return removed, scanner.Err()
}

func (l *BlocklistLoader) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := l.httpClient.Do(req)
			if err != nil {
				return err
			}

			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()

				return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
			}

			body = resp.Body

			return nil
		},
		retry.Attempts(l.attempts),
		retry.Delay(l.cooldown),
	)
	if err != nil {
		return nil, fmt.Errorf("domainset: fetch %s: %w", url, err)
	}

	return body, nil
}

// parseCSVDomains streams a semicolon-delimited CSV byte-by-byte, never
// buffering more than the current field, extracting the domain column and
// decoding it from Windows-1251.
func parseCSVDomains(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})

	br := bufio.NewReader(r)

	var (
		field  bytes.Buffer
		column = 1
		errs   error
	)

	flush := func() {
		if column == csvDomainColumn && field.Len() > 0 {
			domain, err := prepareImportedDomain(field.Bytes())
			if err != nil {
				errs = multierror.Append(errs, err)
			} else if domain != "" {
				domains[domain] = struct{}{}
			}
		}

		field.Reset()
	}

	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				flush()

				break
			}

			return nil, fmt.Errorf("domainset: reading csv feed: %w", err)
		}

		switch b {
		case ';':
			flush()
			column++
		case '\n':
			flush()
			column = 1
		case '\r':
			// ignore, handled by the following \n
		default:
			field.WriteByte(b)
		}
	}

	return domains, errs
}

func (l *BlocklistLoader) writeCache(domains map[string]struct{}) error {
	f, err := os.Create(l.cachePath())
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for d := range domains {
		if _, err := fmt.Fprintln(w, d); err != nil {
			return err
		}
	}

	return w.Flush()
}

func (l *BlocklistLoader) readCache() (map[string]struct{}, error) {
	f, err := os.Open(l.cachePath())
	if err != nil {
		return nil, fmt.Errorf("domainset: no cached import available: %w", err)
	}
	defer f.Close()

	domains := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		d := strings.TrimSpace(scanner.Text())
		if d != "" {
			domains[d] = struct{}{}
		}
	}

	return domains, scanner.Err()
}
