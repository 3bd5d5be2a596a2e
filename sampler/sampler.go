//go:build linux

// Package sampler implements SampleCollector from spec.md §3: a
// perf_event_open-backed software counter that periodically samples the
// calling thread's instruction pointer and call stack, counting how many
// samples land on a profiled instruction.
//
// Opening the counter, mapping its ring buffer, and draining it are plain
// Go built on golang.org/x/sys/unix, following the same call shapes the
// pack's own perf_event_open users (a DIY profiling agent and a telemetry
// collector) use. The one piece with no Go binding — a per-thread POSIX
// timer with SIGEV_THREAD_ID delivery and an async-signal-safe handler
// that must run reentrancy-free on an arbitrary thread — lives in the cgo
// file sampler_linux.c and is reached through signal.go.
package sampler

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/cozgo/cozgo/cozlog"
)

// ringBufferDataPages mirrors RING_BUFFER_DATA_PAGES: perf_event_open ring
// buffers must be sized 1 + 2^n pages, per perf_event_open(2).
const ringBufferDataPages = 1 << 3

const pageSize = 4096
const ringBufferDataSize = ringBufferDataPages * pageSize
const ringBufferSize = ringBufferDataSize + pageSize // + header page

// perfEventHeaderSize is sizeof(struct perf_event_header): u32 type, u16
// misc, u16 size.
const perfEventHeaderSize = 8

// maxRecordSize bounds one sampled record's encoded size; PERF_SAMPLE_IP |
// PERF_SAMPLE_CALLCHAIN records never approach this for the stack depths
// this package samples at.
const maxRecordSize = 4096

// Collector is SampleCollector. The zero value is not usable; construct
// with New.
type Collector struct {
	profiledIP   uint64
	samplePeriod uint64

	perfFD  int
	ring    []byte
	timerID uintptr

	timerDelayNS uint64

	// processing guards process_samples' body against reentry from a
	// nested signal delivery, mirroring profiler.cpp's bool flag. Accessed
	// from the drain goroutine in signal.go that runs ProcessSamples, and
	// kept atomic since any other caller of ProcessSamples can race it.
	processing atomic.Bool

	hitCounts     atomic.Uint64
	profileCounts atomic.Uint64
}

// New constructs a Collector for the instruction pointer profiledIP,
// sampling every samplePeriod PERF_COUNT_SW_TASK_CLOCK events and aiming
// to wake the draining timer roughly every batchSize samples, matching
// Profiler::init's signature.
func New(profiledIP uint64, samplePeriod, batchSize uint64) *Collector {
	return &Collector{
		profiledIP:   profiledIP,
		samplePeriod: samplePeriod,
		timerDelayNS: samplePeriod * batchSize,
	}
}

// HitCount is get_hit_counts: the number of recorded stack frames (including
// the leaf IP) that matched the profiled instruction.
func (c *Collector) HitCount() uint64 { return c.hitCounts.Load() }

// SampleCount is get_profile_counts: the number of samples drained so far.
func (c *Collector) SampleCount() uint64 { return c.profileCounts.Load() }

// Init opens the perf_event counter and maps its ring buffer, but does not
// arm the timer or enable the counter; call Start for that. Init must run
// on the thread that will be profiled, since perf_event_open with pid=0
// scopes the counter to the calling thread.
func (c *Collector) Init() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		cozlog.Sampler.Warn().Err(err).Msg("RemoveMemlock failed, proceeding anyway")
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_TASK_CLOCK,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_CALLCHAIN,
		// Sample carries sample_period here since x/sys/unix unions the
		// two kernel fields (sample_period/sample_freq) under one name.
		Sample: c.samplePeriod,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeIdle | unix.PerfBitExcludeKernel,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}

	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("perf_event_open: %w", err)
	}

	ring, err := unix.Mmap(fd, 0, ringBufferSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("mmap perf ring buffer: %w", err)
	}

	c.perfFD = fd
	c.ring = ring
	return nil
}

// Start arms the per-thread timer (via the cgo shim) and enables the
// perf_event counter. Like Init, Start must run on the profiled thread.
func (c *Collector) Start() error {
	if c.perfFD == 0 && len(c.ring) == 0 {
		return fmt.Errorf("sampler: Start called before Init")
	}

	id, err := armTimer(c, c.timerDelayNS)
	if err != nil {
		return fmt.Errorf("arming sample timer: %w", err)
	}
	c.timerID = id

	if err := unix.IoctlSetInt(c.perfFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		disarmTimer(c.timerID)
		return fmt.Errorf("enabling perf event: %w", err)
	}
	return nil
}

// Stop disarms the timer and disables and unmaps the counter. Safe to call
// at most once.
func (c *Collector) Stop() error {
	if c.timerID != 0 {
		disarmTimer(c.timerID)
		c.timerID = 0
	}
	if err := unix.IoctlSetInt(c.perfFD, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("disabling perf event: %w", err)
	}
	if err := unix.Munmap(c.ring); err != nil {
		return fmt.Errorf("unmapping ring buffer: %w", err)
	}
	c.ring = nil
	if err := unix.Close(c.perfFD); err != nil {
		return fmt.Errorf("closing perf event fd: %w", err)
	}
	c.perfFD = -1
	return nil
}

// mmapPage views the first page of the ring buffer as the kernel's
// perf_event_mmap_page header. Valid only while c.ring is mapped.
func (c *Collector) mmapPage() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&c.ring[0]))
}

// copyFromRingBuffer is copy_from_ring_buffer: copies len(buf) bytes
// starting at the ring-relative index, wrapping around the data region's
// end exactly once since no single record exceeds it.
func (c *Collector) copyFromRingBuffer(index uint64, buf []byte) {
	base := pageSize // RING_BUFFER_HEADER_SIZE
	start := int(index % ringBufferDataSize)
	end := start + len(buf)

	if end <= ringBufferDataSize {
		copy(buf, c.ring[base+start:base+end])
		return
	}
	chunk2 := end - ringBufferDataSize
	chunk1 := len(buf) - chunk2
	copy(buf[:chunk1], c.ring[base+start:base+ringBufferDataSize])
	copy(buf[chunk1:], c.ring[base:base+chunk2])
}

// ProcessSamples is process_samples: the drain of every complete record
// between the ring buffer's tail and head, updating hitCounts and
// profileCounts. It runs on the drain goroutine in signal.go each time the
// timer's signal handler wakes that goroutine through an eventfd; the
// handler itself never calls it. Tests call it directly against a
// synthetic ring buffer.
func (c *Collector) ProcessSamples() {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if c.ring == nil {
		cozlog.Sampler.Error().Msg("ProcessSamples called before ring buffer is initialized")
		return
	}

	page := c.mmapPage()
	head := page.Data_head
	tail := page.Data_tail

	var hdr [perfEventHeaderSize]byte
	var record [maxRecordSize]byte

	for tail+perfEventHeaderSize < head {
		c.copyFromRingBuffer(tail, hdr[:])
		size := binary.LittleEndian.Uint16(hdr[6:8])
		if size < perfEventHeaderSize || int(size) > len(record) {
			// Malformed or unexpectedly large record; stop rather than
			// read past what we copied.
			break
		}
		c.copyFromRingBuffer(tail+perfEventHeaderSize, record[:size-perfEventHeaderSize])
		tail += uint64(size)

		c.scoreRecord(record[:size-perfEventHeaderSize])
		c.profileCounts.Add(1)
	}

	atomic.StoreUint64(&page.Data_tail, tail)
}

// scoreRecord interprets one PERF_SAMPLE_IP|PERF_SAMPLE_CALLCHAIN payload:
// an 8-byte leaf IP followed by an 8-byte frame count and that many 8-byte
// frame IPs, incrementing hitCounts for each frame matching profiledIP.
func (c *Collector) scoreRecord(payload []byte) {
	if len(payload) < 16 {
		return
	}
	ip := binary.LittleEndian.Uint64(payload[0:8])
	if ip == c.profiledIP {
		c.hitCounts.Add(1)
	}

	nr := binary.LittleEndian.Uint64(payload[8:16])
	for i := uint64(0); i < nr; i++ {
		off := 16 + i*8
		if off+8 > uint64(len(payload)) {
			break
		}
		frameIP := binary.LittleEndian.Uint64(payload[off : off+8])
		if frameIP == c.profiledIP {
			c.hitCounts.Add(1)
		}
	}
}
