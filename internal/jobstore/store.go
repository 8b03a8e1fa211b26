// Package jobstore keeps one JSON file per scheduled job in a directory.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"recurflow/internal/domain"
)

// ErrCorrupt marks records that could not be turned back into a job.
var ErrCorrupt = errors.New("corrupt job record")

// LoadFailure is a record that was skipped during LoadAll.
type LoadFailure struct {
	Location string
	Err      error
}

// LoadResult is everything LoadAll found. Jobs is keyed by file location; later rewrites of
// a job must target the same location. IDs holds every identifier observed, including those
// salvaged from corrupt records.
type LoadResult struct {
	Jobs      map[string]*domain.Job
	Locations []string
	IDs       []string
	Failures  []LoadFailure
}

type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open prepares dir and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "prepare schedules folder %s", dir)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Dir() string { return s.dir }

// PathFor returns the location a new job is written to.
func (s *Store) PathFor(job *domain.Job) string {
	name := fmt.Sprintf("%s_%s_%s.json", job.TaskName, job.User.AuditName(), job.ID)
	return filepath.Join(s.dir, Sanitize(name))
}

// Save writes job to its derived location and returns that location.
func (s *Store) Save(job *domain.Job) (string, error) {
	path := s.PathFor(job)
	return path, s.Write(path, job)
}

// Write replaces the record at location with job.
func (s *Store) Write(location string, job *domain.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", job.LogName())
	}

	lock := s.lockFor(location)
	lock.Lock()
	defer lock.Unlock()
	return writeFileAtomic(location, data)
}

// Exists reports whether a record is still present at location.
func (s *Store) Exists(location string) bool {
	_, err := os.Stat(location)
	return err == nil
}

// LoadAll reads every *.json record in lexicographic order. A broken record never stops the
// others from loading; it is reported in Failures instead. Only an unreadable directory is
// returned as an error.
func (s *Store) LoadAll() (LoadResult, error) {
	res := LoadResult{Jobs: map[string]*domain.Job{}}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, errors.Wrapf(err, "list %s", s.dir)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		location := filepath.Join(s.dir, name)
		job, id, err := s.read(location)
		if id != "" {
			res.IDs = append(res.IDs, id)
		}
		if err != nil {
			res.Failures = append(res.Failures, LoadFailure{Location: location, Err: err})
			continue
		}
		res.Jobs[location] = job
		res.Locations = append(res.Locations, location)
	}
	return res, nil
}

// read returns the parsed job and whatever identifier could be recovered, even on failure.
func (s *Store) read(location string) (*domain.Job, string, error) {
	lock := s.lockFor(location)
	lock.Lock()
	data, err := os.ReadFile(location)
	lock.Unlock()
	if err != nil {
		return nil, "", errors.Wrapf(err, "read %s", location)
	}

	id := salvageID(data)

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, id, errors.Mark(errors.Wrapf(err, "parse %s", filepath.Base(location)), ErrCorrupt)
	}
	switch {
	case job.ID == "":
		return nil, id, errors.Mark(errors.Newf("%s: missing id", filepath.Base(location)), ErrCorrupt)
	case job.TaskName == "":
		return nil, id, errors.Mark(errors.Newf("%s: missing script_name", filepath.Base(location)), ErrCorrupt)
	case job.Schedule == nil:
		return nil, id, errors.Mark(errors.Newf("%s: missing schedule", filepath.Base(location)), ErrCorrupt)
	}
	if job.ParameterValues == nil {
		job.ParameterValues = map[string]any{}
	}
	return &job, job.ID, nil
}

func (s *Store) lockFor(location string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[location]
	if !ok {
		l = &sync.Mutex{}
		s.locks[location] = l
	}
	return l
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*"?([^",}\s]+)`)

// salvageID pulls the id out of a record that may not parse as a whole.
func salvageID(data []byte) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && len(probe.ID) > 0 {
		var s string
		if err := json.Unmarshal(probe.ID, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(probe.ID, &n); err == nil {
			return n.String()
		}
		return ""
	}
	if m := idPattern.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Sanitize makes name safe to use as a single path element.
func Sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}
