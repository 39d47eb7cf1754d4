package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/log"
)

// Host is the privileged I/O an engine borrows from the host process.
// *capability.Proxy implements it.
type Host interface {
	Fetch(ctx context.Context, url string) (*capability.FetchResult, error)
	Read(ctx context.Context, path string) ([]byte, bool, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

const (
	dataCDN       = "https://cdn.jsdelivr.net/npm/@tesseract.js-data"
	dataVersion   = "4.0.0"
	lstmVariant   = "_best_int"
	trainedSuffix = ".traineddata"
)

// DefaultLangPath is where lang's trained data is published.
func DefaultLangPath(lang string, lstmOnly bool) string {
	v := dataVersion
	if lstmOnly {
		v += lstmVariant
	}
	return fmt.Sprintf("%s/%s/%s", dataCDN, lang, v)
}

// CacheKey is the host storage path lang's data is cached under.
func CacheKey(lang string, opts LanguageOptions) string {
	dir := opts.CachePath
	if dir == "" {
		dir = "."
	}
	return path.Join(dir, lang+trainedSuffix)
}

// SourceURL is where lang's data is fetched from on a cache miss. A
// langPath that is not a URL names a host path instead.
func SourceURL(lang string, opts LanguageOptions) string {
	base := opts.LangPath
	if base == "" {
		base = DefaultLangPath(lang, opts.LSTMOnly)
	}
	name := lang + trainedSuffix
	if opts.Gzip {
		name += ".gz"
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// LoadLanguages resolves trained data for each language, consulting the host
// cache first according to opts.CacheMethod. Data that fails to download is
// never written to the cache.
func LoadLanguages(ctx context.Context, host Host, langs []string, opts LanguageOptions, progress ProgressFunc) (map[string][]byte, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	logger := log.WithComponent("engine")
	method := opts.CacheMethod
	if method == "" {
		method = CacheWrite
	}

	out := make(map[string][]byte, len(langs))
	for i, lang := range langs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress("loading language traineddata", float64(i)/float64(len(langs)))

		key := CacheKey(lang, opts)
		var data []byte
		if method != CacheNone && method != CacheRefresh {
			cached, ok, err := host.Read(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("read cache for %s: %w", lang, err)
			}
			if ok && len(cached) > 0 {
				logger.Debug("language data cache hit", "lang", lang, "path", key)
				data = cached
			}
		}

		if data == nil {
			src := SourceURL(lang, opts)
			fetched, err := fetchSource(ctx, host, src)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", lang, err)
			}
			data, err = maybeGunzip(fetched)
			if err != nil {
				return nil, fmt.Errorf("load %s from %s: %w", lang, src, err)
			}
			if method == CacheWrite || method == CacheRefresh {
				if err := host.Write(ctx, key, data); err != nil {
					logger.Warn("failed to cache language data", "lang", lang, "path", key, "error", err)
				}
			}
		}

		data, err := maybeGunzip(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", lang, err)
		}
		out[lang] = data
	}
	progress("loaded language traineddata", 1)
	return out, nil
}

func fetchSource(ctx context.Context, host Host, src string) ([]byte, error) {
	if isURL(src) {
		res, err := host.Fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		return res.Bytes(), nil
	}
	data, ok, err := host.Read(ctx, src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: not found on host", src)
	}
	return data, nil
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}
