package main

import (
	"fmt"
	"strconv"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/config"
	"github.com/zhuweiyou/unitymemory/internal/logger"
	"github.com/zhuweiyou/unitymemory/unity"
	"github.com/zhuweiyou/unitymemory/unity/il2cpp"
	"github.com/zhuweiyou/unitymemory/unity/mono"
)

const (
	gameAssemblyModule = "GameAssembly.dll"
	legacyMonoModule   = "mono.dll"
)

// chooseBackend 在 auto 模式下根据 GameAssembly.dll 是否存在选择后端
func chooseBackend(mem um.Memory, backend config.Backend) config.Backend {
	if backend != config.BackendAuto {
		return backend
	}
	if um.HasModule(mem, gameAssemblyModule) {
		return config.BackendIL2CPP
	}
	return config.BackendMono
}

func newManager(mem um.Memory, conf *config.Config, l logger.Logger) (*unity.Manager, error) {
	opt := unity.WithLogger(l)

	switch chooseBackend(mem, conf.Backend) {
	case config.BackendIL2CPP:
		version, forced, err := il2cppVersion(conf)
		if err != nil {
			return nil, err
		}
		if forced {
			return il2cpp.NewWithVersion(mem, version, opt)
		}
		return il2cpp.New(mem, opt)
	default:
		version, forced, err := monoVersion(mem, conf)
		if err != nil {
			return nil, err
		}
		if forced {
			return mono.NewWithVersion(mem, version, opt)
		}
		return mono.New(mem, opt)
	}
}

// il2cppVersion 返回配置强制指定的 IL2CPP 版本, forced 为 false 时自动探测
func il2cppVersion(conf *config.Config) (version il2cpp.Version, forced bool, err error) {
	if conf.RuntimeVersion != "" {
		version, err = il2cpp.ParseVersion(conf.RuntimeVersion)
		return version, err == nil, err
	}
	if v := conf.UnityVersion; v != nil {
		return il2cpp.VersionFor(v.Major, v.Minor), true, nil
	}
	return il2cpp.Base, false, nil
}

// monoVersion 返回配置强制指定的 Mono 版本. unity_version 只能区分 V2 和 V3,
// 加载了 mono.dll 时交给探测区分 V1 和 V1Cattrs
func monoVersion(mem um.Memory, conf *config.Config) (version mono.Version, forced bool, err error) {
	if conf.RuntimeVersion != "" {
		version, err = mono.ParseVersion(conf.RuntimeVersion)
		return version, err == nil, err
	}
	if v := conf.UnityVersion; v != nil && !um.HasModule(mem, legacyMonoModule) {
		return mono.VersionFor(v.Major, v.Minor), true, nil
	}
	return mono.V1, false, nil
}

// watcher 是一个配置好的监视项
type watcher struct {
	name string
	typ  config.ValueType
	path *unity.PointerPath
}

func newWatchers(m *unity.Manager, watches []config.Watch) []*watcher {
	watchers := make([]*watcher, 0, len(watches))
	for _, w := range watches {
		watchers = append(watchers, &watcher{
			name: w.Name,
			typ:  w.Type,
			path: unity.NewPointerPath(m, w.Assembly, w.Class, w.Parents, w.Hops...),
		})
	}
	return watchers
}

// read 按配置的类型读取并格式化当前值
func (w *watcher) read(mem um.Memory) (string, bool) {
	switch w.typ {
	case config.TypeInt32:
		return formatValue[int32](w.path)
	case config.TypeUint32:
		return formatValue[uint32](w.path)
	case config.TypeInt64:
		return formatValue[int64](w.path)
	case config.TypeFloat32:
		v, ok := unity.DerefValue[float32](w.path)
		return strconv.FormatFloat(float64(v), 'g', -1, 32), ok
	case config.TypeFloat64:
		v, ok := unity.DerefValue[float64](w.path)
		return strconv.FormatFloat(v, 'g', -1, 64), ok
	case config.TypeBool:
		return formatValue[bool](w.path)
	case config.TypePointer:
		addr, ok := w.path.Deref()
		if !ok {
			return "", false
		}
		ptr, ok := um.ReadPointer(mem, addr)
		return ptr.String(), ok
	case config.TypeString:
		s, ok := unity.DerefString(w.path)
		return strconv.Quote(s), ok
	default:
		return "", false
	}
}

func formatValue[T any](p *unity.PointerPath) (string, bool) {
	v, ok := unity.DerefValue[T](p)
	return fmt.Sprint(v), ok
}
