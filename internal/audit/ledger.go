package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

// ErrPartitionHalted is returned for appends to a partition whose chain
// failed verification. Continuing to write would extend an already-broken
// chain, so the partition stays halted until operator intervention.
var ErrPartitionHalted = errors.New("audit: partition halted after integrity failure")

// validPartition rejects partition names that could cause path traversal.
var validPartition = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Ledger is an append-only, hash-chained event store. Each partition
// (one per tenant) is a JSONL file with its own chain and its own lock,
// so writers on independent partitions never serialize against each other.
type Ledger struct {
	dir   string
	mu    sync.Mutex // guards parts map only
	parts map[string]*partition
}

type partition struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	lastID string
	halted bool
}

// Open creates a Ledger rooted at dir.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	return &Ledger{dir: dir, parts: make(map[string]*partition)}, nil
}

// Append writes an event to the tenant's partition, assigning id, timestamp,
// predecessor pointer, and hash. The caller fills the remaining fields.
func (l *Ledger) Append(tenant string, e Event) (*Event, error) {
	p, err := l.partitionFor(tenant)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return nil, ErrPartitionHalted
	}

	e.ID = uuid.NewString()
	e.TenantID = tenant
	if e.Timestamp == "" {
		e.Timestamp = UTCNow()
	}
	e.PrevEventID = p.lastID
	e.EventHash = ComputeHash(e)

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal event: %w", err)
	}
	if _, err := p.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("audit: write event: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return nil, fmt.Errorf("audit: sync: %w", err)
	}

	p.lastID = e.ID
	return &e, nil
}

// Events returns all events currently retained in the tenant's partition,
// oldest first.
func (l *Ledger) Events(tenant string) ([]Event, error) {
	p, err := l.partitionFor(tenant)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return readEvents(p.path)
}

// Halted reports whether the tenant's partition has been halted.
func (l *Ledger) Halted(tenant string) bool {
	p, err := l.partitionFor(tenant)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Close flushes and closes all partition files.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, p := range l.parts {
		p.mu.Lock()
		if p.file != nil {
			errs = append(errs, p.file.Close())
			p.file = nil
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Partitions lists the tenants with an on-disk partition file.
func (l *Ledger) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			names = append(names, name[:len(name)-len(".jsonl")])
		}
	}
	return names, nil
}

func (l *Ledger) partitionFor(tenant string) (*partition, error) {
	if tenant == "" || !validPartition.MatchString(tenant) {
		return nil, fmt.Errorf("audit: invalid partition name %q", tenant)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.parts[tenant]; ok {
		return p, nil
	}

	path := filepath.Join(l.dir, tenant+".jsonl")
	lastID := GenesisEventID

	// Recover the chain tail from an existing file.
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		events, err := readEvents(path)
		if err != nil {
			return nil, fmt.Errorf("audit: recover partition %q: %w", tenant, err)
		}
		if len(events) > 0 {
			lastID = events[len(events)-1].ID
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open partition: %w", err)
	}

	p := &partition{path: path, file: file, lastID: lastID}
	l.parts[tenant] = p
	return p, nil
}

// readEvents parses a partition file into events, oldest first.
func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return events, nil
}
