// Package store implements the artifact store (C4): directory layout,
// filename validation, sidecar metadata persistence, listing, and
// collision resolution for backup payloads.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aegis-vault/pgvault/pkg/models"
)

// nameRe matches spec.md §4.4's filename validation rule.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// reservedNames blocks platform-reserved device/file names regardless of
// case, so a name collision with a Windows device or a dotfile convention
// never reaches the filesystem.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
}

// Sentinel errors making up the artifact half of spec.md §7's error taxonomy.
var (
	ErrNameInvalid  = fmt.Errorf("store: invalid artifact name")
	ErrNameReserved = fmt.Errorf("store: reserved artifact name")
)

// Store manages one backup directory's payloads and sidecars.
type Store struct {
	dir string // <backup_dir>
}

// New creates a Store rooted at dir, creating dir and its .metadata
// subdirectory if they do not already exist.
func New(dir string) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve backup dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create backup dir %q: %w", absDir, err)
	}
	if err := os.MkdirAll(filepath.Join(absDir, ".metadata"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create metadata dir: %w", err)
	}
	return &Store{dir: absDir}, nil
}

// Dir returns the absolute backup directory.
func (s *Store) Dir() string { return s.dir }

// MetadataDir returns the absolute .metadata directory.
func (s *Store) MetadataDir() string { return filepath.Join(s.dir, ".metadata") }

// PayloadPath returns the absolute path of name's payload file.
func (s *Store) PayloadPath(name string) string {
	return filepath.Join(s.dir, name+".sql")
}

func (s *Store) sidecarPath(name string) string {
	return filepath.Join(s.MetadataDir(), name+".json")
}

// Delete removes both the payload and sidecar for name. A missing
// sidecar (legacy artifact) is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.PayloadPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete payload for %q: %w", name, err)
	}
	if err := os.Remove(s.sidecarPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete sidecar for %q: %w", name, err)
	}
	return nil
}

// ValidateName checks name against spec.md §4.4's rules, independent of
// collision resolution.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q starts with '.'", ErrNameInvalid, name)
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: %q", ErrNameReserved, name)
	}
	return nil
}

// Resolve validates name and, absent overwrite, appends "_1", "_2", …
// until a free slot is found. It returns the name actually to use and
// whether a rename occurred.
func (s *Store) Resolve(name string, overwrite bool) (resolved string, renamed bool, err error) {
	if err := ValidateName(name); err != nil {
		return "", false, err
	}

	if overwrite {
		return name, false, nil
	}

	candidate := name
	for i := 1; ; i++ {
		if _, statErr := os.Stat(s.PayloadPath(candidate)); os.IsNotExist(statErr) {
			return candidate, candidate != name, nil
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
}

// WriteSidecar persists record at s.sidecarPath(name)
// ("<backup_dir>/.metadata/<name>.json"), atomically.
func (s *Store) WriteSidecar(name string, record models.Sidecar) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal sidecar for %q: %w", name, err)
	}
	if err := AtomicWrite(s.sidecarPath(name), data); err != nil {
		return fmt.Errorf("store: write sidecar for %q: %w", name, err)
	}
	return nil
}

// ReadSidecar loads name's sidecar, returning (nil, nil) when absent —
// a missing sidecar is a legacy artifact, not an error.
func (s *Store) ReadSidecar(name string) (*models.Sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read sidecar for %q: %w", name, err)
	}
	var record models.Sidecar
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("store: parse sidecar for %q: %w", name, err)
	}
	return &record, nil
}

// List returns every payload in the backup directory, newest mtime first,
// pairing each with its sidecar when one exists.
func (s *Store) List() ([]models.ArtifactInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %q: %w", s.dir, err)
	}

	var infos []models.ArtifactInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sql")

		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("store: stat %q: %w", e.Name(), err)
		}

		sidecar, err := s.ReadSidecar(name)
		if err != nil {
			return nil, err
		}

		info := models.ArtifactInfo{
			Name:    name,
			Path:    s.PayloadPath(name),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Legacy:  sidecar == nil,
		}
		if sidecar != nil {
			info.Sidecar = sidecar
			info.Bucket = ClassifyBucket(sidecar.Kind, info.ModTime)
			if !sidecar.CreatedAt.IsZero() {
				info.Bucket = ClassifyBucket(sidecar.Kind, sidecar.CreatedAt)
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	return infos, nil
}

// ClassifyBucket applies spec.md §3's UTC bucket rule: monthly on the 1st,
// weekly on Sunday, daily otherwise, with full kind always additionally
// belonging to the full bucket (callers combine via BucketsFor).
func ClassifyBucket(kind models.BackupKind, createdAt time.Time) models.RetentionBucket {
	t := createdAt.UTC()
	switch {
	case t.Day() == 1:
		return models.BucketMonthly
	case t.Weekday() == time.Sunday:
		return models.BucketWeekly
	default:
		return models.BucketDaily
	}
}

// BucketsFor returns every bucket an artifact belongs to: its date bucket,
// plus the full bucket in parallel when kind is full (spec.md §3).
func BucketsFor(kind models.BackupKind, createdAt time.Time) []models.RetentionBucket {
	buckets := []models.RetentionBucket{ClassifyBucket(kind, createdAt)}
	if kind == models.KindFull {
		buckets = append(buckets, models.BucketFull)
	}
	return buckets
}

// dumpMarkers are recognized top-level DDL keywords or the pg_dump header
// comment, searched within the first 64 KiB (spec.md §4.4).
var dumpMarkers = []string{
	"PostgreSQL database dump",
	"CREATE", "ALTER", "SET", "COPY", "INSERT",
}

const validationScanLimit = 64 * 1024

// Validate checks that name's payload exists, is non-empty, readable, and
// looks like a PostgreSQL dump. It never parses the full SQL.
func (s *Store) Validate(name string) error {
	path := s.PayloadPath(name)

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store: artifact %q not found", name)
		}
		return fmt.Errorf("store: stat artifact %q: %w", name, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("store: artifact %q is empty", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("store: open artifact %q: %w", name, err)
	}
	defer f.Close()

	buf := make([]byte, validationScanLimit)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("store: read artifact %q: %w", name, err)
	}
	head := buf[:n]

	scanner := bufio.NewScanner(bytes.NewReader(head))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, marker := range dumpMarkers {
			if strings.Contains(line, marker) {
				return nil
			}
		}
	}

	return fmt.Errorf("store: artifact %q does not look like a PostgreSQL dump", name)
}

// AtomicWrite writes data to path via a temp file in the same directory
// followed by an fsync and rename, matching spec.md §5's ordering
// guarantee that a crash never leaves a partially written file visible.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pgvault-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
