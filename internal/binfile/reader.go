package binfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Reader provides random access to a binary matrix file through a read-only
// memory mapping. Safe for concurrent use; the OS page cache does the heavy
// lifting across viewport requests.
type Reader struct {
	path string
	data []byte
	rows int
	cols int
	meta *Meta
}

// Open maps the binary file described by the meta sidecar next to it.
func Open(binPath, metaPath string) (*Reader, error) {
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("open binary file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat binary file: %w", err)
	}

	rows, cols := meta.Shape[0], meta.Shape[1]
	want := int64(rows) * int64(cols) * 8
	if st.Size() != want {
		return nil, fmt.Errorf("binary file %s: size %d does not match shape [%d,%d]", binPath, st.Size(), rows, cols)
	}
	if want == 0 {
		return &Reader{path: binPath, rows: rows, cols: cols, meta: meta}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(want), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", binPath, err)
	}
	return &Reader{path: binPath, data: data, rows: rows, cols: cols, meta: meta}, nil
}

func readMeta(path string) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read meta file: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta file %s: %w", path, err)
	}
	if meta.Shape[0] < 0 || meta.Shape[1] < 1 {
		return nil, fmt.Errorf("meta file %s: invalid shape %v", path, meta.Shape)
	}
	return &meta, nil
}

// Meta returns the sidecar metadata the reader was opened with.
func (r *Reader) Meta() *Meta { return r.meta }

// Rows returns the total number of rows in the matrix.
func (r *Reader) Rows() int { return r.rows }

// Cols returns the number of columns including x.
func (r *Reader) Cols() int { return r.cols }

// at reads element [row, col] of the matrix.
func (r *Reader) at(row, col int) float64 {
	off := (row*r.cols + col) * 8
	return math.Float64frombits(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

// GetSlice returns the rows whose x value lies in [xMin, xMax], along with
// the number of matching rows. The slice is a copy; the mapping is never
// exposed to callers.
func (r *Reader) GetSlice(xMin, xMax float64) ([][]float64, int) {
	if r.rows == 0 || xMin > xMax {
		return nil, 0
	}

	// Lower bound: first row with x >= xMin.
	lo := sort.Search(r.rows, func(i int) bool { return r.at(i, 0) >= xMin })
	// Upper bound: first row with x > xMax.
	hi := sort.Search(r.rows, func(i int) bool { return r.at(i, 0) > xMax })
	if lo >= hi {
		return nil, 0
	}

	out := make([][]float64, hi-lo)
	for i := lo; i < hi; i++ {
		row := make([]float64, r.cols)
		for c := 0; c < r.cols; c++ {
			row[c] = r.at(i, c)
		}
		out[i-lo] = row
	}
	return out, hi - lo
}

// Close releases the mapping. The reader must not be used afterwards.
func (r *Reader) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("munmap %s: %w", r.path, err)
	}
	return nil
}

// Cache keeps one open Reader per binary path so repeated viewport requests
// reuse the mapping. Evict must be called when a file is deleted or
// reparsed.
type Cache struct {
	mu      sync.Mutex
	readers map[string]*Reader
}

// NewCache returns an empty reader cache.
func NewCache() *Cache {
	return &Cache{readers: make(map[string]*Reader)}
}

// Get returns the cached reader for binPath, opening it on first use.
func (c *Cache) Get(binPath, metaPath string) (*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[binPath]; ok {
		return r, nil
	}
	r, err := Open(binPath, metaPath)
	if err != nil {
		return nil, err
	}
	c.readers[binPath] = r
	return r, nil
}

// Evict closes and drops the reader for binPath, if cached.
func (c *Cache) Evict(binPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[binPath]; ok {
		r.Close()
		delete(c.readers, binPath)
	}
}

// Close releases every cached mapping.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, r := range c.readers {
		r.Close()
		delete(c.readers, path)
	}
}
