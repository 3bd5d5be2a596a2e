// Command libcoz is the LD_PRELOAD shared object: cgo-exported symbols that
// shadow libc's read/write/connect/accept/accept4/close/epoll_pwait/execve
// and the __libc_start_main entry point, delegating everything that isn't
// plain pass-through to shim.Table and startup.Run.
//
// Grounded directly on hook.cpp and socket_hook.cpp, which take exactly this
// shape in C: a dlsym(RTLD_NEXT, ...)-populated real-function-pointer cache,
// populated lazily on first use of each symbol, and a wrapped_main installed
// in place of the application's real main via __libc_start_main
// interposition. cgo cannot call an arbitrary C function pointer handed to
// it at runtime (see cmd/cgo's documentation on "Calling C function
// pointers"), so every real libc call goes through a same-signature C
// trampoline in libcoz.c instead.
//
// Build with `go build -buildmode=c-shared -o libcoz.so ./cmd/libcoz`.
package main

/*
#include <stdlib.h>
#include "libcoz.h"
*/
import "C"

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cozgo/cozgo/bufpool"
	"github.com/cozgo/cozgo/config"
	"github.com/cozgo/cozgo/cozlog"
	"github.com/cozgo/cozgo/shim"
	"github.com/cozgo/cozgo/startup"
)

// table is the one DescriptorTable for the whole process, matching
// socket_hook.cpp's single global `fds`/`mp`: spec.md §5 assumes a single
// thread drives the shimmed calls for any one descriptor, so one table
// suffices without internal locking.
var table *shim.Table

// tunables is loaded once at load time, shared by table's pool sizing and
// goWrappedMain's SampleCollector setup.
var tunables config.Tunables

func init() {
	var err error
	tunables, err = config.LoadTunables(os.Getenv("COZ_CONFIG"))
	if err != nil {
		cozlog.Libcoz.Error().Err(err).Msg("failed to load tunables, using defaults")
		tunables = config.DefaultTunables()
	}
	pool := bufpool.New(tunables.BufferPoolSize, tunables.BufferSize)
	table = shim.New(pool, realRead, realWrite, realPoll)
}

// --- lazy dlsym(RTLD_NEXT, ...) cache, one entry per intercepted symbol ---

var (
	readOnce, writeOnce, connectOnce     sync.Once
	acceptOnce, accept4Once, closeOnce   sync.Once
	epollOnce, execveOnce, startMainOnce sync.Once

	realReadFn       C.read_fn
	realWriteFn      C.write_fn
	realConnectFn    C.connect_fn
	realAcceptFn     C.accept_fn
	realAccept4Fn    C.accept4_fn
	realCloseFn      C.close_fn
	realEpollPwaitFn C.epoll_pwait_fn
	realExecveFn     C.execve_fn
	realStartMainFn  C.start_main_fn
)

// fatalMissingSymbol matches hook.cpp/socket_hook.cpp's "dlsym returned
// NULL, this almost always means LD_PRELOAD is misconfigured" diagnostic,
// exiting rather than running any further unshimmed.
func fatalMissingSymbol(name string) {
	cozlog.Libcoz.Fatal().Str("symbol", name).Msg("dlsym(RTLD_NEXT, ...) returned NULL, refusing to continue unshimmed")
}

func getRealRead() C.read_fn {
	readOnce.Do(func() {
		realReadFn = C.coz_resolve_read()
		if realReadFn == nil {
			fatalMissingSymbol("read")
		}
	})
	return realReadFn
}

func getRealWrite() C.write_fn {
	writeOnce.Do(func() {
		realWriteFn = C.coz_resolve_write()
		if realWriteFn == nil {
			fatalMissingSymbol("write")
		}
	})
	return realWriteFn
}

func getRealConnect() C.connect_fn {
	connectOnce.Do(func() {
		realConnectFn = C.coz_resolve_connect()
		if realConnectFn == nil {
			fatalMissingSymbol("connect")
		}
	})
	return realConnectFn
}

func getRealAccept() C.accept_fn {
	acceptOnce.Do(func() {
		realAcceptFn = C.coz_resolve_accept()
		if realAcceptFn == nil {
			fatalMissingSymbol("accept")
		}
	})
	return realAcceptFn
}

func getRealAccept4() C.accept4_fn {
	accept4Once.Do(func() {
		realAccept4Fn = C.coz_resolve_accept4()
		if realAccept4Fn == nil {
			fatalMissingSymbol("accept4")
		}
	})
	return realAccept4Fn
}

func getRealClose() C.close_fn {
	closeOnce.Do(func() {
		realCloseFn = C.coz_resolve_close()
		if realCloseFn == nil {
			fatalMissingSymbol("close")
		}
	})
	return realCloseFn
}

func getRealEpollPwait() C.epoll_pwait_fn {
	epollOnce.Do(func() {
		realEpollPwaitFn = C.coz_resolve_epoll_pwait()
		if realEpollPwaitFn == nil {
			fatalMissingSymbol("epoll_pwait")
		}
	})
	return realEpollPwaitFn
}

func getRealExecve() C.execve_fn {
	execveOnce.Do(func() {
		realExecveFn = C.coz_resolve_execve()
		if realExecveFn == nil {
			fatalMissingSymbol("execve")
		}
	})
	return realExecveFn
}

func getRealStartMain() C.start_main_fn {
	startMainOnce.Do(func() {
		realStartMainFn = C.coz_resolve_start_main()
		if realStartMainFn == nil {
			fatalMissingSymbol("__libc_start_main")
		}
	})
	return realStartMainFn
}

// setErrno re-asserts errno just before an exported function returns -1 to
// its C caller. The real errno from a trampoline call can be clobbered by
// ordinary Go code running between that call and this one (goroutine
// rescheduling, a GC-triggered syscall), so every failure path here passes
// through setErrno rather than relying on errno having survived untouched.
func setErrno(err error) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		C.coz_set_errno(C.int(errno))
		return
	}
	if errors.Is(err, shim.ErrPoolExhausted) {
		C.coz_set_errno(C.int(syscall.ENOMEM))
		return
	}
	C.coz_set_errno(C.int(syscall.EIO))
}

// --- real syscalls, wired into shim.Table as plain Go closures ---

func realRead(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, errno := C.coz_call_read(getRealRead(), C.int(fd), unsafe.Pointer(&buf[0]), C.size_t(len(buf)))
	if n < 0 {
		return 0, errno
	}
	return int(n), nil
}

func realWrite(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, errno := C.coz_call_write(getRealWrite(), C.int(fd), unsafe.Pointer(&buf[0]), C.size_t(len(buf)))
	if n < 0 {
		return 0, errno
	}
	return int(n), nil
}

// realPoll waits for fd to become readable using the real poll(2) directly
// via golang.org/x/sys/unix, not through a dlsym'd trampoline: neither
// hook.cpp nor socket_hook.cpp intercepts poll/ppoll itself, only the calls
// that decide when to issue one. The returned bool distinguishes "fd is
// readable" from "the timeout elapsed with nothing pending" — unix.Poll's
// own return count tells the two apart, so callers must not discard it.
func realPoll(fd int, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// --- exported symbols ---

//export read
func read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	data := unsafe.Slice((*byte)(buf), int(count))
	n, err := table.Read(int(fd), data)
	if err != nil {
		setErrno(err)
		return -1
	}
	return C.ssize_t(n)
}

//export write
func write(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	data := unsafe.Slice((*byte)(buf), int(count))
	n, err := table.Write(int(fd), data)
	if err != nil {
		setErrno(err)
		return -1
	}
	return C.ssize_t(n)
}

//export connect
func connect(sockfd C.int, addr *C.struct_sockaddr, addrlen C.socklen_t) C.int {
	f := getRealConnect()
	err := table.Connect(int(sockfd), func() error {
		rc, errno := C.coz_call_connect(f, sockfd, addr, addrlen)
		if rc != 0 {
			return errno
		}
		return nil
	})
	if err != nil {
		setErrno(err)
		return -1
	}
	return 0
}

//export accept
func accept(sockfd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t) C.int {
	f := getRealAccept()
	fd, err := table.Accept(func() (int, error) {
		rc, errno := C.coz_call_accept(f, sockfd, addr, addrlen)
		if rc < 0 {
			return int(rc), errno
		}
		return int(rc), nil
	})
	if err != nil {
		setErrno(err)
		return -1
	}
	return C.int(fd)
}

//export accept4
func accept4(sockfd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t, flags C.int) C.int {
	f := getRealAccept4()
	fd, err := table.Accept4(func() (int, error) {
		rc, errno := C.coz_call_accept4(f, sockfd, addr, addrlen, flags)
		if rc < 0 {
			return int(rc), errno
		}
		return int(rc), nil
	})
	if err != nil {
		setErrno(err)
		return -1
	}
	return C.int(fd)
}

//export close
func close(fd C.int) C.int {
	f := getRealClose()
	err := table.Close(int(fd), func() error {
		rc, errno := C.coz_call_close(f, fd)
		if rc != 0 {
			return errno
		}
		return nil
	})
	if err != nil {
		setErrno(err)
		return -1
	}
	return 0
}

//export epoll_pwait
func epoll_pwait(epfd C.int, events *C.struct_epoll_event, maxevents C.int, timeout C.int, sigmask *C.sigset_t) C.int {
	f := getRealEpollPwait()
	n := int(maxevents)
	cArr := unsafe.Slice(events, n)

	// Raw kernel structs, keyed by fd, so pass-through events (ones we
	// don't rewrite) keep their original EPOLLOUT/EPOLLERR/data.ptr bits
	// instead of being reduced to a bare EPOLLIN-on-this-fd record.
	raw := make(map[int]C.struct_epoll_event, n)

	real := func(out []shim.ReadyEvent, to time.Duration) (int, error) {
		ms := C.int(-1)
		if to >= 0 {
			ms = C.int(to / time.Millisecond)
		}
		rn, errno := C.coz_call_epoll_pwait(f, epfd, events, maxevents, ms, sigmask)
		if rn < 0 {
			return 0, errno
		}
		for i := 0; i < int(rn); i++ {
			fd := int(C.coz_epoll_event_fd(&cArr[i]))
			raw[fd] = cArr[i]
			out[i] = shim.ReadyEvent{FD: fd}
		}
		return int(rn), nil
	}

	out := make([]shim.ReadyEvent, n)
	initialTimeout := time.Duration(-1)
	if timeout >= 0 {
		initialTimeout = time.Duration(timeout) * time.Millisecond
	}

	nReady, err := table.EpollPwait(out, initialTimeout, real)
	if err != nil {
		setErrno(err)
		return -1
	}

	for i := 0; i < nReady; i++ {
		if r, ok := raw[out[i].FD]; ok {
			r := r
			C.coz_epoll_event_copy(&cArr[i], &r)
		} else {
			C.coz_epoll_event_init(&cArr[i], C.int(out[i].FD))
		}
	}
	return C.int(nReady)
}

//export execve
func execve(pathname *C.char, argv **C.char, envp **C.char) C.int {
	// Re-exec across execve so the shim stays loaded in the child, exactly
	// as hook.cpp's execve wrapper does: splice LD_PRELOAD/TARGET_MODULE/
	// TARGET_OFFSET/SPEEDUP_FACTOR ahead of whatever environment the caller
	// is already passing.
	inherited := goStrings(envp)
	reconstructed, err := startup.ReconstructEnv(inherited)
	if err != nil {
		setErrno(err)
		return -1
	}

	cEnvp := make([]*C.char, 0, len(reconstructed)+1)
	for _, s := range reconstructed {
		cEnvp = append(cEnvp, C.CString(s))
	}
	cEnvp = append(cEnvp, nil)

	f := getRealExecve()
	rc, errno := C.coz_call_execve(f, pathname, argv, &cEnvp[0])
	// A successful execve never returns; reaching here means it failed, so
	// the strings allocated above would otherwise leak into the process
	// that's continuing to run.
	for _, p := range cEnvp[:len(cEnvp)-1] {
		C.free(unsafe.Pointer(p))
	}
	if rc != 0 {
		setErrno(errno)
		return -1
	}
	return 0
}

// goStrings copies a NULL-terminated char* vector (argv or envp, of unknown
// length) into a Go string slice, indexing through coz_strv_at rather than
// walking unsafe.Pointer arithmetic on the Go side.
func goStrings(v **C.char) []string {
	var out []string
	for i := 0; ; i++ {
		p := C.coz_strv_at(v, C.int(i))
		if p == nil {
			break
		}
		out = append(out, C.GoString(p))
	}
	return out
}

// __libc_start_main is the process entry hook: save the real
// __libc_start_main, then call it back with goWrappedMain (via the C
// trampoline coz_go_wrapped_main_ptr) substituted for the application's own
// main, exactly as hook.cpp's __libc_start_main override does.
//
//export __libc_start_main
func __libc_start_main(mainFn C.main_fn, argc C.int, argv **C.char, initFn, finiFn, rtldFini C.voidfn, stackEnd unsafe.Pointer) C.int {
	realMain = mainFn
	f := getRealStartMain()
	wrapped := C.main_fn(C.coz_go_wrapped_main_ptr())
	return C.coz_call_start_main(f, wrapped, argc, argv, initFn, finiFn, rtldFini, stackEnd)
}

// realMain is the application's own main, captured by __libc_start_main and
// invoked from goWrappedMain once profiling setup has run.
var realMain C.main_fn

//export goWrappedMain
func goWrappedMain(argc C.int, argv **C.char, envp **C.char) C.int {
	entry := func() int {
		return int(C.coz_call_main(realMain, argc, argv, envp))
	}

	return C.int(startup.Run(tunables, entry, startup.SelfProcMaps))
}

func main() {}
