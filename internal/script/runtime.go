package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v30"
)

// RuntimeConfig contains configuration for the WASM runtime.
type RuntimeConfig struct {
	MaxMemoryMB int `yaml:"max_memory_mb"`
	MaxCPUMs    int `yaml:"max_cpu_ms"`
	CacheSize   int `yaml:"cache_size"`
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxMemoryMB: 64,
		MaxCPUMs:    2000,
		CacheSize:   64,
	}
}

// ExecutionResult contains the result of a handler execution.
type ExecutionResult struct {
	Output      []byte
	DurationMs  int64
	MemoryBytes int64
}

// CompiledModule represents a pre-compiled WASM module.
type CompiledModule struct {
	Module     *wasmtime.Module
	CompiledAt time.Time
}

// maxEpochs is how many epoch ticks a handler may run before it is
// interrupted. Ticks are spaced MaxCPUMs/maxEpochs apart.
const maxEpochs = 10

// Runtime manages WASM execution using wasmtime.
type Runtime struct {
	cfg    RuntimeConfig
	engine *wasmtime.Engine
	logger *slog.Logger

	// Module cache
	cacheMu sync.RWMutex
	cache   map[string]*CompiledModule
}

// NewRuntime creates a new WASM runtime.
func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	engineCfg := wasmtime.NewConfig()
	engineCfg.SetEpochInterruption(true)
	engineCfg.SetConsumeFuel(false)

	return &Runtime{
		cfg:    cfg,
		engine: wasmtime.NewEngineWithConfig(engineCfg),
		logger: logger,
		cache:  make(map[string]*CompiledModule),
	}
}

// Compile compiles a WASM module from bytes, caching it under moduleID.
func (r *Runtime) Compile(moduleID string, wasmBytes []byte) (*CompiledModule, error) {
	r.cacheMu.RLock()
	if cached, ok := r.cache[moduleID]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	module, err := wasmtime.NewModule(r.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	compiled := &CompiledModule{
		Module:     module,
		CompiledAt: time.Now(),
	}

	r.cacheMu.Lock()
	// Evict oldest if cache is full
	if r.cfg.CacheSize > 0 && len(r.cache) >= r.cfg.CacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range r.cache {
			if oldestKey == "" || v.CompiledAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.CompiledAt
			}
		}
		delete(r.cache, oldestKey)
	}
	r.cache[moduleID] = compiled
	r.cacheMu.Unlock()

	return compiled, nil
}

// Forget drops a compiled module from the cache.
func (r *Runtime) Forget(moduleID string) {
	r.cacheMu.Lock()
	delete(r.cache, moduleID)
	r.cacheMu.Unlock()
}

// Execute runs a compiled module's entry point with the given input.
func (r *Runtime) Execute(ctx context.Context, module *CompiledModule, input []byte, hostFuncs *HostFunctions) (*ExecutionResult, error) {
	startTime := time.Now()

	store := wasmtime.NewStore(r.engine)
	defer store.Close()

	store.Limiter(
		int64(r.cfg.MaxMemoryMB*1024*1024), // Max memory in bytes
		-1,                                 // No table limit
		1,                                  // Max instances
		1,                                  // Max tables
		1,                                  // Max memories
	)
	store.SetEpochDeadline(maxEpochs)

	hostFuncs.SetInput(input)

	linker := wasmtime.NewLinker(r.engine)

	// WASI for modules built with Go's wasip1 target. Tenant code gets no
	// environment, arguments or preopened directories.
	store.SetWasi(wasmtime.NewWasiConfig())
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("define wasi: %w", err)
	}

	if err := r.addHostFunctions(ctx, linker, store, hostFuncs); err != nil {
		return nil, fmt.Errorf("add host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, module.Module)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	mainFunc := instance.GetFunc(store, "_start")
	if mainFunc == nil {
		mainFunc = instance.GetFunc(store, "main")
	}
	if mainFunc == nil {
		return nil, errors.New("no _start or main function found")
	}

	memory := instance.GetExport(store, "memory")

	done := make(chan struct{})
	go r.epochIncrementer(ctx, done)

	_, err = mainFunc.Call(store)
	close(done)

	duration := time.Since(startTime)

	if err != nil {
		var trap *wasmtime.Trap
		if errors.As(err, &trap) && trap.Code() != nil && *trap.Code() == wasmtime.Interrupt {
			return nil, fmt.Errorf("execution timeout exceeded %dms", r.cfg.MaxCPUMs)
		}
		// WASI programs exit through proc_exit, which surfaces as an error
		// even for status 0.
		if !strings.Contains(err.Error(), "exit status 0") {
			return nil, fmt.Errorf("execution failed: %w", err)
		}
	}

	var memoryBytes int64
	if memory != nil && memory.Memory() != nil {
		memoryBytes = int64(memory.Memory().DataSize(store))
	}

	return &ExecutionResult{
		Output:      hostFuncs.GetOutput(),
		DurationMs:  duration.Milliseconds(),
		MemoryBytes: memoryBytes,
	}, nil
}

// epochIncrementer ticks the engine epoch until the store's deadline is
// reached, the call finishes, or ctx is cancelled.
func (r *Runtime) epochIncrementer(ctx context.Context, done <-chan struct{}) {
	tickInterval := time.Duration(r.cfg.MaxCPUMs) * time.Millisecond / maxEpochs
	if tickInterval < time.Millisecond {
		tickInterval = time.Millisecond
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	epochCount := 0
	for {
		select {
		case <-ticker.C:
			epochCount++
			r.engine.IncrementEpoch()
			if epochCount >= maxEpochs {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			for i := epochCount; i < maxEpochs; i++ {
				r.engine.IncrementEpoch()
			}
			return
		}
	}
}

// guestBytes returns the [ptr, ptr+length) slice of the caller's memory, or
// nil when the range is out of bounds.
func guestBytes(caller *wasmtime.Caller, ptr, length int32) []byte {
	memory := caller.GetExport("memory")
	if memory == nil || memory.Memory() == nil || ptr < 0 || length < 0 {
		return nil
	}
	data := memory.Memory().UnsafeData(caller)
	if int(ptr)+int(length) > len(data) {
		return nil
	}
	return data[ptr : ptr+length]
}

func i32Type() *wasmtime.ValType {
	return wasmtime.NewValType(wasmtime.KindI32)
}

func i32Result(v int32) []wasmtime.Val {
	return []wasmtime.Val{wasmtime.ValI32(v)}
}

// addHostFunctions adds host SDK functions to the linker.
func (r *Runtime) addHostFunctions(ctx context.Context, linker *wasmtime.Linker, store *wasmtime.Store, hostFuncs *HostFunctions) error {
	// log(level i32, ptr i32, len i32)
	logFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type(), i32Type()}, nil),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			if msg := guestBytes(caller, args[1].I32(), args[2].I32()); msg != nil {
				hostFuncs.Log(int(args[0].I32()), string(msg))
			}
			return nil, nil
		})
	if err := linker.Define(store, "env", "log", logFunc); err != nil {
		return err
	}

	// output(ptr i32, len i32)
	outputFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type()}, nil),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			if data := guestBytes(caller, args[0].I32(), args[1].I32()); data != nil {
				hostFuncs.SetOutput(data)
			}
			return nil, nil
		})
	if err := linker.Define(store, "env", "output", outputFunc); err != nil {
		return err
	}

	// get_input_len() -> i32
	getInputLenFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType(nil, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return i32Result(int32(hostFuncs.GetInputLen())), nil
		})
	if err := linker.Define(store, "env", "get_input_len", getInputLenFunc); err != nil {
		return err
	}

	// get_input(ptr i32, len i32) -> i32 bytes copied, -1 on error
	getInputFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type()}, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			dst := guestBytes(caller, args[0].I32(), args[1].I32())
			if dst == nil {
				return i32Result(-1), nil
			}
			return i32Result(int32(copy(dst, hostFuncs.GetInput()))), nil
		})
	if err := linker.Define(store, "env", "get_input", getInputFunc); err != nil {
		return err
	}

	// send_message(ptr i32, len i32) -> i32 (0 = sent, -1 = bad message, -2 = send failed)
	sendFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type()}, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			data := guestBytes(caller, args[0].I32(), args[1].I32())
			if data == nil {
				return i32Result(-1), nil
			}
			return i32Result(hostFuncs.SendMessage(ctx, append([]byte(nil), data...))), nil
		})
	if err := linker.Define(store, "env", "send_message", sendFunc); err != nil {
		return err
	}

	// kv_get(key_ptr i32, key_len i32, out_ptr i32, out_len_ptr i32) -> i32 (0 = success, -1 = not found, -2 = error)
	kvGetFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type(), i32Type(), i32Type()}, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			key := guestBytes(caller, args[0].I32(), args[1].I32())
			if key == nil {
				return i32Result(-2), nil
			}
			val, err := hostFuncs.KVGet(ctx, string(key))
			if err != nil {
				return i32Result(-2), nil
			}
			if val == nil {
				return i32Result(-1), nil
			}

			lenOut := guestBytes(caller, args[3].I32(), 4)
			valOut := guestBytes(caller, args[2].I32(), int32(len(val)))
			if lenOut == nil || valOut == nil {
				return i32Result(-2), nil
			}
			n := uint32(len(val))
			lenOut[0], lenOut[1], lenOut[2], lenOut[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
			copy(valOut, val)
			return i32Result(0), nil
		})
	if err := linker.Define(store, "env", "kv_get", kvGetFunc); err != nil {
		return err
	}

	// kv_set(key_ptr i32, key_len i32, val_ptr i32, val_len i32) -> i32 (0 = success, -1 = error)
	kvSetFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type(), i32Type(), i32Type()}, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			key := guestBytes(caller, args[0].I32(), args[1].I32())
			val := guestBytes(caller, args[2].I32(), args[3].I32())
			if key == nil || val == nil {
				return i32Result(-1), nil
			}
			if err := hostFuncs.KVSet(ctx, string(key), append([]byte(nil), val...)); err != nil {
				return i32Result(-1), nil
			}
			return i32Result(0), nil
		})
	if err := linker.Define(store, "env", "kv_set", kvSetFunc); err != nil {
		return err
	}

	// kv_delete(key_ptr i32, key_len i32) -> i32 (0 = success, -1 = error)
	kvDeleteFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32Type(), i32Type()}, []*wasmtime.ValType{i32Type()}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			key := guestBytes(caller, args[0].I32(), args[1].I32())
			if key == nil {
				return i32Result(-1), nil
			}
			if err := hostFuncs.KVDelete(ctx, string(key)); err != nil {
				return i32Result(-1), nil
			}
			return i32Result(0), nil
		})
	return linker.Define(store, "env", "kv_delete", kvDeleteFunc)
}

// Close cleans up the runtime resources.
func (r *Runtime) Close() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*CompiledModule)
	r.cacheMu.Unlock()
}
