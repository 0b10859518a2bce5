// Package ringbuf consumes records from a BPF ring buffer map. The
// kernel side reserves and commits variable-length records; this side
// memory-maps the buffer and drains committed records in order.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-bpfload/sys"
)

// Record header layout, fixed by the kernel ABI. The length word
// carries two flag bits: busy marks a reservation not yet committed,
// discard marks a committed record the producer abandoned.
const (
	headerSize  = 8
	busyBit     = uint32(1) << 31
	discardBit  = uint32(1) << 30
	lenMask     = busyBit - 1
	recordAlign = 8
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("ringbuf: reader closed")

// Reader drains a ring buffer map. Not safe for concurrent Read
// calls; Close may race with a blocked Read and unblocks it.
type Reader struct {
	gw       sys.Gateway
	epollFD  int
	mapFD    int
	consumer []byte // writable consumer page
	producer []byte // read-only producer pages + data area
	mask     uint64 // size of the data area minus one

	mu      sync.Mutex
	closed  bool
	closers []func() error
}

// NewReader maps the ring buffer backing mapFD. maxEntries must be
// the map's declared size, a power-of-two multiple of the page size.
func NewReader(gw sys.Gateway, mapFD int, maxEntries uint32) (*Reader, error) {
	if maxEntries == 0 || maxEntries&(maxEntries-1) != 0 {
		return nil, fmt.Errorf("ringbuf: size %d is not a power of two", maxEntries)
	}
	pageSize := os.Getpagesize()

	consumer, err := gw.Mmap(mapFD, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mapping consumer page: %w", err)
	}

	// The data area is mapped twice back to back so records that
	// wrap the ring are contiguous in virtual memory.
	producerLen := pageSize + 2*int(maxEntries)
	producer, err := gw.Mmap(mapFD, int64(pageSize), producerLen, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		gw.Munmap(consumer)
		return nil, fmt.Errorf("ringbuf: mapping producer pages: %w", err)
	}

	epollFD, err := gw.EpollCreate()
	if err != nil {
		gw.Munmap(producer)
		gw.Munmap(consumer)
		return nil, fmt.Errorf("ringbuf: creating epoll instance: %w", err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(mapFD)}
	if err := gw.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, mapFD, &event); err != nil {
		gw.Close(epollFD)
		gw.Munmap(producer)
		gw.Munmap(consumer)
		return nil, fmt.Errorf("ringbuf: registering map descriptor: %w", err)
	}

	return &Reader{
		gw:       gw,
		epollFD:  epollFD,
		mapFD:    mapFD,
		consumer: consumer,
		producer: producer,
		mask:     uint64(maxEntries) - 1,
	}, nil
}

// Read returns the next committed record, blocking until one is
// available, the context is cancelled, or the reader is closed.
// The returned slice is a copy and remains valid after further reads.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	for {
		if r.isClosed() {
			return nil, ErrClosed
		}
		if rec, ok := r.next(); ok {
			return rec, nil
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// next attempts to consume one record without blocking.
func (r *Reader) next() ([]byte, bool) {
	data := r.producer[os.Getpagesize():]
	for {
		cons := atomic.LoadUint64(r.consumerPos())
		prod := atomic.LoadUint64(r.producerPos())
		if cons >= prod {
			return nil, false
		}

		off := cons & r.mask
		hdrLen := atomic.LoadUint32((*uint32)(unsafe.Pointer(&data[off])))
		if hdrLen&busyBit != 0 {
			// Reserved but not yet committed; wait for the producer.
			return nil, false
		}

		size := hdrLen & lenMask & ^discardBit
		next := cons + uint64(align(headerSize+int(size), recordAlign))

		if hdrLen&discardBit != 0 {
			atomic.StoreUint64(r.consumerPos(), next)
			continue
		}

		rec := make([]byte, size)
		copy(rec, data[off+headerSize:off+headerSize+uint64(size)])
		atomic.StoreUint64(r.consumerPos(), next)
		return rec, true
	}
}

// wait blocks until the buffer signals readiness or ctx is done. The
// poll uses a bounded timeout so cancellation and Close are observed
// promptly.
func (r *Reader) wait(ctx context.Context) error {
	const pollMsec = 100
	events := make([]unix.EpollEvent, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.isClosed() {
			return ErrClosed
		}
		n, err := r.gw.EpollWait(r.epollFD, events, pollMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if r.isClosed() {
				return ErrClosed
			}
			return fmt.Errorf("ringbuf: waiting for records: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

func (r *Reader) consumerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.consumer[0]))
}

func (r *Reader) producerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.producer[0]))
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CloseWith registers fn to run when the reader closes, typically to
// release a map handle whose lifetime the reader now owns. Returns
// the Reader for chaining.
func (r *Reader) CloseWith(fn func() error) *Reader {
	r.closers = append(r.closers, fn)
	return r
}

// Close releases the mappings and the epoll instance, unblocking any
// pending Read, then runs any registered closers. Idempotent. The map
// descriptor itself is not closed unless its owner registered a
// closer via CloseWith.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	if err := r.gw.Close(r.epollFD); err != nil {
		errs = append(errs, err)
	}
	if err := r.gw.Munmap(r.producer); err != nil {
		errs = append(errs, err)
	}
	if err := r.gw.Munmap(r.consumer); err != nil {
		errs = append(errs, err)
	}
	for _, fn := range r.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
