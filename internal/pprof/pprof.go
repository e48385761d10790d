// Package pprof exposes runtime profiles of the server and writes profile
// files for single commands.
package pprof

import (
	"errors"
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Mount registers the /debug/pprof routes on router. wrap guards every
// route, e.g. with the server's auth check.
func Mount(router *httprouter.Router, wrap func(httprouter.Handle) httprouter.Handle) {
	handle := func(h http.Handler) httprouter.Handle {
		return wrap(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			h.ServeHTTP(w, r)
		})
	}

	router.GET("/debug/pprof/", handle(http.HandlerFunc(netpprof.Index)))
	router.GET("/debug/pprof/cmdline", handle(http.HandlerFunc(netpprof.Cmdline)))
	router.GET("/debug/pprof/profile", handle(http.HandlerFunc(netpprof.Profile)))
	router.GET("/debug/pprof/symbol", handle(http.HandlerFunc(netpprof.Symbol)))
	router.GET("/debug/pprof/trace", handle(http.HandlerFunc(netpprof.Trace)))
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.GET("/debug/pprof/"+name, handle(netpprof.Handler(name)))
	}
}

// Files writes a CPU profile covering Start to Stop and a heap profile at
// Stop. Empty paths are skipped.
type Files struct {
	CPU  string
	Heap string

	mu      sync.Mutex
	cpuFile *os.File
	stopped bool
}

func (f *Files) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CPU == "" {
		return nil
	}

	file, err := create(f.CPU)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	f.cpuFile = file
	return nil
}

// Stop finishes the CPU profile and writes the heap profile. Calls after
// the first do nothing.
func (f *Files) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true

	var errs []error
	if f.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := f.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		f.cpuFile = nil
	}

	if f.Heap != "" {
		file, err := create(f.Heap)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create heap profile file: %w", err))
		} else {
			if err := pprof.WriteHeapProfile(file); err != nil {
				errs = append(errs, fmt.Errorf("failed to write heap profile: %w", err))
			}
			file.Close()
		}
	}
	return errors.Join(errs...)
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
