package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dot-do/parquedb/internal/perr"
)

// Memory is an in-memory Backend, grounded on the teacher's
// internal/storage/memory package (a mutex-protected map standing in for
// the SQLite-backed authoritative store). Useful for tests and for
// embedding parquedb without any filesystem footprint.
type Memory struct {
	mu       sync.RWMutex
	id       string
	objects  map[string]memObject
}

type memObject struct {
	data    []byte
	mtime   time.Time
	version int64
}

// NewMemory constructs an empty in-memory backend with a fresh identity.
func NewMemory() *Memory {
	return &Memory{
		id:      uuid.NewString(),
		objects: make(map[string]memObject),
	}
}

func (m *Memory) Identity() string { return m.id }

func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, perr.New(perr.KindNotFound, "path not found: "+path)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *Memory) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	data, err := m.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, perr.New(perr.KindIO, "offset out of range")
	}
	end := offset + length
	if end > int64(len(data)) || length < 0 {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (m *Memory) Write(_ context.Context, path string, data []byte) (Meta, error) {
	if err := ValidatePath(path); err != nil {
		return Meta{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.objects[path].version + 1
	cp := append([]byte(nil), data...)
	m.objects[path] = memObject{data: cp, mtime: time.Now().UTC(), version: next}
	return Meta{Path: path, Size: int64(len(cp)), MTime: m.objects[path].mtime, Version: strconv.FormatInt(next, 10)}, nil
}

func (m *Memory) WriteAtomic(ctx context.Context, path string, data []byte) error {
	_, err := m.Write(ctx, path, data)
	return err
}

func (m *Memory) WriteConditional(_ context.Context, path string, data []byte, expectedVersion string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.objects[path]
	curVersion := "0"
	if exists {
		curVersion = strconv.FormatInt(cur.version, 10)
	}
	if curVersion != expectedVersion {
		return perr.New(perr.KindVersionConflict, fmt.Sprintf("expected version %s, have %s", expectedVersion, curVersion))
	}
	next := cur.version + 1
	cp := append([]byte(nil), data...)
	m.objects[path] = memObject{data: cp, mtime: time.Now().UTC(), version: next}
	return nil
}

func (m *Memory) Append(_ context.Context, path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.objects[path]
	cur.data = append(cur.data, data...)
	cur.mtime = time.Now().UTC()
	cur.version++
	m.objects[path] = cur
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	delete(m.objects, path)
	return ok, nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			delete(m.objects, p)
			n++
		}
	}
	return n, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Meta
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, Meta{Path: p, Size: int64(len(obj.data)), MTime: obj.mtime, Version: strconv.FormatInt(obj.version, 10)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Stat(_ context.Context, path string) (*Meta, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, nil
	}
	return &Meta{Path: path, Size: int64(len(obj.data)), MTime: obj.mtime, Version: strconv.FormatInt(obj.version, 10)}, nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	meta, err := m.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

func (m *Memory) Copy(_ context.Context, src, dst string) error {
	if err := ValidatePath(src); err != nil {
		return err
	}
	if err := ValidatePath(dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return perr.New(perr.KindNotFound, "path not found: "+src)
	}
	cp := obj
	cp.data = append([]byte(nil), obj.data...)
	cp.version = m.objects[dst].version + 1
	m.objects[dst] = cp
	return nil
}

func (m *Memory) Move(ctx context.Context, src, dst string) error {
	if err := m.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := m.Delete(ctx, src)
	return err
}

func (m *Memory) Rmdir(ctx context.Context, prefix string) error {
	_, err := m.DeletePrefix(ctx, prefix)
	return err
}
