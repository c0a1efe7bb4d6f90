package unitymemory

import (
	"iter"
	"sync"
)

const pageSize = 0x1000

// Scanner searches target memory for byte signatures
type Scanner struct {
	mem Memory
}

// NewScanner creates a signature scanner over the given process memory
func NewScanner(mem Memory) *Scanner {
	return &Scanner{mem: mem}
}

// Scan returns the first match of pattern inside region, or InvalidAddress.
// A region that cannot be read is treated like a region without matches.
func (s *Scanner) Scan(pattern *ScanPattern, region Region) Address {
	for addr := range s.ScanAll(pattern, region) {
		return addr
	}
	return InvalidAddress
}

// ScanModule scans the whole image of a loaded module
func (s *Scanner) ScanModule(pattern *ScanPattern, module Module) Address {
	return s.Scan(pattern, module.Region())
}

// ScanAll lazily yields every match of pattern inside region, in address order.
// The region is fetched with a single bulk read before the in-memory search starts.
// Matches touching a page that could not be read are skipped.
func (s *Scanner) ScanAll(pattern *ScanPattern, region Region) iter.Seq[Address] {
	return func(yield func(Address) bool) {
		if pattern == nil || region.Size < uint64(pattern.Len()) {
			return
		}

		buffer, unread, ok := s.readRegion(region)
		if !ok {
			return
		}
		defer releaseBuffer(buffer)

		data := *buffer
		for pos := pattern.matcher.Index(data, 0); pos >= 0; pos = pattern.matcher.Index(data, pos+1) {
			if unread != nil && unread.overlaps(pos, pattern.Len()) {
				continue
			}
			if !yield(pattern.resolve(region.Base.Add(pos))) {
				return
			}
		}
	}
}

// readRegion reads a region into a pooled buffer. When the bulk read fails the
// region is retried page by page.
func (s *Scanner) readRegion(region Region) (*[]byte, *unreadPages, bool) {
	buffer := acquireBuffer(int(region.Size))
	data := *buffer

	if err := s.mem.ReadMemory(region.Base, data); err == nil {
		return buffer, nil, true
	}

	clear(data)
	skew := int(uint64(region.Base) % pageSize)
	unread := &unreadPages{
		skew:  skew,
		pages: make([]bool, (skew+len(data)+pageSize-1)/pageSize),
	}
	pagesOK := 0
	for i := range unread.pages {
		start := max(i*pageSize-skew, 0)
		end := min((i+1)*pageSize-skew, len(data))
		if s.mem.ReadMemory(region.Base.Add(start), data[start:end]) == nil {
			pagesOK++
		} else {
			unread.pages[i] = true
		}
	}

	if pagesOK == 0 {
		releaseBuffer(buffer)
		return nil, nil, false
	}
	return buffer, unread, true
}

// unreadPages marks the pages of a region that could not be read. skew is the
// offset of the region base inside its first page.
type unreadPages struct {
	skew  int
	pages []bool
}

// overlaps reports whether [pos, pos+length) touches an unread page
func (u *unreadPages) overlaps(pos, length int) bool {
	for page := (u.skew + pos) / pageSize; page <= (u.skew+pos+length-1)/pageSize; page++ {
		if u.pages[page] {
			return true
		}
	}
	return false
}

var scanBuffers sync.Pool

func acquireBuffer(size int) *[]byte {
	if v, ok := scanBuffers.Get().(*[]byte); ok && cap(*v) >= size {
		*v = (*v)[:size]
		return v
	}
	buf := make([]byte, size)
	return &buf
}

func releaseBuffer(buf *[]byte) {
	scanBuffers.Put(buf)
}
