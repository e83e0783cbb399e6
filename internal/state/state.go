// Package state persists selected store regions to disk and restores them at
// startup, so a session survives a restart of the client.
//
// Each region lives in its own file, <dir>/<region>.json. Files are replaced
// atomically (write to a temp file, then rename) and only when the region's
// encoded value changed since the last write.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/store"
)

// Decoder turns a persisted region back into its typed value.
type Decoder func(data json.RawMessage) (any, error)

// DecodeAs returns a Decoder producing S.
func DecodeAs[S any]() Decoder {
	return func(data json.RawMessage) (any, error) {
		var v S
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Persister writes regions of a store to a directory.
type Persister struct {
	dir     string
	regions []string
	logger  logging.Logger

	mu   sync.Mutex
	last map[string][]byte
}

// NewPersister creates a persister for regions under dir, creating dir if needed.
func NewPersister(dir string, regions []string, logger logging.Logger) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Persister{
		dir:     dir,
		regions: append([]string(nil), regions...),
		logger:  logger,
		last:    make(map[string][]byte),
	}, nil
}

func (p *Persister) path(region string) string {
	return filepath.Join(p.dir, region+".json")
}

// Save writes every persisted region of st whose value changed. Regions absent
// from st are skipped.
func (p *Persister) Save(st store.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for _, region := range p.regions {
		v, ok := st[region]
		if !ok {
			continue
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encode region %s: %w", region, err))
			continue
		}
		if bytes.Equal(p.last[region], data) {
			continue
		}
		if err := writeAtomic(p.path(region), data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("write region %s: %w", region, err))
			continue
		}
		p.last[region] = data
		p.logger.Debug("region persisted",
			logging.String("region", region),
			logging.Int("bytes", len(data)),
		)
	}
	return errs
}

// Attach saves the current state and then saves again after every dispatched
// action. Write failures are logged. The returned function stops persisting.
func (p *Persister) Attach(s *store.Store) (detach func()) {
	save := func() {
		if err := p.Save(s.GetState()); err != nil {
			p.logger.Error("failed to persist state", logging.ErrorField(err))
		}
	}
	save()
	return s.Subscribe(save)
}

// Load reads the regions that have a decoder from dir. Missing files are
// skipped; the result can be passed to store.WithPreloadedState.
func Load(dir string, decoders map[string]Decoder) (store.State, error) {
	out := make(store.State, len(decoders))
	for region, decode := range decoders {
		data, err := os.ReadFile(filepath.Join(dir, region+".json"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read region %s: %w", region, err)
		}
		v, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode region %s: %w", region, err)
		}
		out[region] = v
	}
	return out, nil
}

// Remove deletes the persisted file of region, if any.
func Remove(dir, region string) error {
	err := os.Remove(filepath.Join(dir, region+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CookieFile stores the backend's cookies as JSON next to the persisted
// regions. It implements api.CookieStore.
type CookieFile struct {
	path string
}

// NewCookieFile returns a cookie store backed by path.
func NewCookieFile(path string) *CookieFile {
	return &CookieFile{path: path}
}

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Load returns the saved cookies, or none when the file does not exist.
func (f *CookieFile) Load() ([]*http.Cookie, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	out := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out, nil
}

// Save replaces the file with cookies. An empty set removes the file.
func (f *CookieFile) Save(cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		err := os.Remove(f.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	saved := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		saved = append(saved, savedCookie{Name: c.Name, Value: c.Value})
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return writeAtomic(f.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
