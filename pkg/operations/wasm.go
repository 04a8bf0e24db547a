package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const defaultMemoryLimitPages = 256

// Wasm runs a WASI command module on the deploying machine. Exit status 0 is
// success. When Dir is set it is mounted as the module's root directory.
type Wasm struct {
	Label string

	// Module is the path of the .wasm file. Ignored when Binary is set.
	Module string
	Binary []byte

	Args []string
	Env  map[string]string
	Dir  string

	// MemoryLimitPages caps linear memory in 64KiB pages (default: 256).
	MemoryLimitPages uint32
}

var _ engine.Operation = (*Wasm)(nil)

// Name returns the label, or the module path.
func (w *Wasm) Name() string {
	if w.Label != "" {
		return w.Label
	}
	if w.Module != "" {
		return "wasm: " + filepath.Base(w.Module)
	}
	return "wasm"
}

// Execute instantiates the module, which runs its _start function.
func (w *Wasm) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	binary := w.Binary
	if binary == nil {
		data, err := os.ReadFile(w.Module)
		if err != nil {
			return nil, fmt.Errorf("failed to read module: %w", err)
		}
		binary = data
	}

	pages := w.MemoryLimitPages
	if pages == 0 {
		pages = defaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{w.Name()}, w.Args...)...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()

	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		config = config.WithEnv(k, w.Env[k])
	}
	if !target.IsLocal() {
		config = config.WithEnv("SEQDEPLOY_SERVER", target.Server.Name)
	}
	if w.Dir != "" {
		config = config.WithFSConfig(wazero.NewFSConfig().WithDirMount(w.Dir, "/"))
	}

	_, err = runtime.InstantiateModule(ctx, compiled, config)

	diag := engine.NewDiagnostics()
	diag.AddOutput(stdout.String())
	if stderr.Len() > 0 {
		diag.Set("stderr", stderr.String())
	}

	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			diag.Set("exit_code", strconv.FormatUint(uint64(exitErr.ExitCode()), 10))
			if exitErr.ExitCode() == 0 {
				return diag, nil
			}
			return diag, fmt.Errorf("module exited with code %d", exitErr.ExitCode())
		}
		return diag, fmt.Errorf("module failed: %w", err)
	}

	diag.Set("exit_code", "0")
	return diag, nil
}
