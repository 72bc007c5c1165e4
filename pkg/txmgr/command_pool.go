package txmgr

import (
	"reflect"
	"sync"

	"go.uber.org/atomic"
)

// CommandPool keeps a bounded stack of idle instances per command type.
type CommandPool struct {
	mu       sync.Mutex
	capacity int
	pools    map[reflect.Type][]Command

	created   *atomic.Int64
	reused    *atomic.Int64
	discarded *atomic.Int64
}

func NewCommandPool(capacity int) *CommandPool {
	return &CommandPool{
		capacity:  capacity,
		pools:     map[reflect.Type][]Command{},
		created:   atomic.NewInt64(0),
		reused:    atomic.NewInt64(0),
		discarded: atomic.NewInt64(0),
	}
}

// AcquireCommand pops an idle instance of T from the pool or builds one with
// newFn. T must be the concrete pointer type of the command.
func AcquireCommand[T Command](p *CommandPool, newFn func() T) T {
	if cmd, ok := p.get(reflect.TypeFor[T]()); ok {
		if ret, ok := cmd.(T); ok {
			p.reused.Inc()
			return ret
		}
	}
	p.created.Inc()
	return newFn()
}

func (p *CommandPool) get(typ reflect.Type) (Command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack := p.pools[typ]
	if len(stack) == 0 {
		return nil, false
	}
	cmd := stack[len(stack)-1]
	stack[len(stack)-1] = nil
	p.pools[typ] = stack[:len(stack)-1]
	return cmd, true
}

// Put returns cmd to the pool of its type. It reports whether the instance
// was retained: full pools, duplicates and non-pointer commands are dropped.
func (p *CommandPool) Put(cmd Command) bool {
	if cmd == nil {
		return false
	}
	typ := reflect.TypeOf(cmd)
	if typ.Kind() != reflect.Pointer {
		p.discarded.Inc()
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stack := p.pools[typ]
	if len(stack) >= p.capacity {
		p.discarded.Inc()
		return false
	}
	for _, c := range stack {
		if c == cmd {
			return false
		}
	}
	if r, ok := cmd.(Resetter); ok {
		r.Reset()
	}
	p.pools[typ] = append(stack, cmd)
	return true
}

// Len returns the number of idle instances of the given command type.
func (p *CommandPool) Len(typ reflect.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools[typ])
}

// Sizes returns idle instance counts keyed by type name.
func (p *CommandPool) Sizes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ret := make(map[string]int, len(p.pools))
	for typ, stack := range p.pools {
		ret[typ.String()] = len(stack)
	}
	return ret
}

func (p *CommandPool) Created() int64 {
	return p.created.Load()
}

func (p *CommandPool) Reused() int64 {
	return p.reused.Load()
}

func (p *CommandPool) Discarded() int64 {
	return p.discarded.Load()
}
