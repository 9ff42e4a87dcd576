package repnet

import (
	"sync"

	"github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Plugins is a Lua state running plugin scripts.
// Scripts use the global repnet table to log, read the configuration,
// access plugin storage and register priority hooks.
type Plugins struct {
	mu sync.Mutex

	l     *lua.LState
	api   *lua.LTable
	log   *zap.Logger
	cfg   *Config
	store *Store

	hooks  []*lua.LFunction
	loaded []string
}

// NewPlugins returns a Lua state with the repnet API installed,
// cfg and store may be nil
func NewPlugins(log *zap.Logger, cfg *Config, store *Store) *Plugins {
	if log == nil {
		log = zap.NewNop()
	}

	p := &Plugins{
		l:     lua.NewState(),
		log:   log.Named("lua"),
		cfg:   cfg,
		store: store,
	}

	p.api = p.l.NewTable()
	p.l.SetGlobal("repnet", p.api)

	p.addLuaFunc(p.luaLog, "log")
	p.addLuaFunc(p.luaGetConfKey, "get_conf_key")
	p.addLuaFunc(p.luaRegisterPriority, "register_priority")
	p.addLuaFunc(p.luaGetStorage, "get_storage")
	p.addLuaFunc(p.luaSetStorage, "set_storage")

	flags := p.l.NewTable()
	for _, fn := range flagNames {
		flags.RawSetString(fn.name, lua.LNumber(fn.flag))
	}
	p.api.RawSetString("flags", flags)

	return p
}

// Close closes the Lua state
func (p *Plugins) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.l.Close()
}

func (p *Plugins) addLuaFunc(f func(*lua.LState) int, name string) {
	p.api.RawSetString(name, p.l.NewFunction(f))
}

// DoString runs a Lua chunk
func (p *Plugins) DoString(src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.l.DoString(src)
}

func (p *Plugins) luaLog(L *lua.LState) int {
	p.log.Info(L.ToString(1))
	return 0
}

func (p *Plugins) luaGetConfKey(L *lua.LState) int {
	var v interface{}
	if p.cfg != nil {
		v = p.cfg.Key(L.ToString(1))
	}

	switch v := v.(type) {
	case bool:
		L.Push(lua.LBool(v))
	case int:
		L.Push(lua.LNumber(v))
	case int64:
		L.Push(lua.LNumber(v))
	case float64:
		L.Push(lua.LNumber(v))
	case string:
		L.Push(lua.LString(v))
	default:
		L.Push(lua.LNil)
	}

	return 1
}

func (p *Plugins) luaRegisterPriority(L *lua.LState) int {
	p.hooks = append(p.hooks, L.CheckFunction(1))
	return 0
}

func (p *Plugins) luaGetStorage(L *lua.LState) int {
	if p.store == nil {
		L.Push(lua.LNil)
		return 1
	}

	v, err := p.store.PluginValue(L.CheckString(1))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}

	if v == "" {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LString(v))
	}

	return 1
}

func (p *Plugins) luaSetStorage(L *lua.LState) int {
	if p.store == nil {
		L.RaiseError("no storage configured")
		return 0
	}

	if err := p.store.SetPluginValue(L.CheckString(1), L.OptString(2, "")); err != nil {
		L.RaiseError("%v", err)
	}

	return 0
}

func (p *Plugins) entityTable(e *Entity) *lua.LTable {
	t := p.l.NewTable()
	t.RawSetString("id", lua.LNumber(e.ID))
	t.RawSetString("owner", lua.LNumber(e.Owner))
	t.RawSetString("flags", lua.LNumber(e.Flags))
	t.RawSetString("priority", lua.LNumber(e.Priority))
	t.RawSetString("update_frequency", lua.LNumber(e.UpdateFrequency))

	pos := p.l.NewTable()
	pos.RawSetString("x", lua.LNumber(e.Location.X))
	pos.RawSetString("y", lua.LNumber(e.Location.Y))
	pos.RawSetString("z", lua.LNumber(e.Location.Z))
	t.RawSetString("location", pos)

	return t
}

// HookCount reports how many priority hooks are registered
func (p *Plugins) HookCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.hooks)
}

// PriorityHook returns a PriorityHook running every registered
// Lua hook in registration order, each receiving the previous score.
// Hooks that fail or return a non-number leave the score unchanged.
func (p *Plugins) PriorityHook() PriorityHook {
	return func(e *Entity, c *Connection, score float64) float64 {
		p.mu.Lock()
		defer p.mu.Unlock()

		if len(p.hooks) == 0 {
			return score
		}

		ent := p.entityTable(e)
		for _, fn := range p.hooks {
			err := p.l.CallByParam(lua.P{
				Fn:      fn,
				NRet:    1,
				Protect: true,
			}, ent, lua.LNumber(c.ID()), lua.LNumber(score))
			if err != nil {
				p.log.Warn("priority hook", zap.Error(err))
				continue
			}

			ret := p.l.Get(-1)
			p.l.Pop(1)

			if n, ok := ret.(lua.LNumber); ok {
				score = float64(n)
			}
		}

		return score
	}
}
