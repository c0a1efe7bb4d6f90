package mono

import (
	"errors"
	"fmt"
	"strings"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/unity"
)

// Version is a generation of the Mono runtime structures
type Version int

const (
	V1 Version = iota
	// V1Cattrs is the old mono.dll with the custom attribute field added to MonoClass
	V1Cattrs
	V2
	V3
	versionCount
)

func (v Version) String() string {
	switch v {
	case V1:
		return "V1"
	case V1Cattrs:
		return "V1Cattrs"
	case V2:
		return "V2"
	case V3:
		return "V3"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// ParseVersion accepts the names printed by String, case-insensitively
func ParseVersion(s string) (Version, error) {
	for v := V1; v < versionCount; v++ {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return V1, fmt.Errorf("unknown Mono version %q", s)
}

// ErrVersionNotDetected is returned when the Mono generation cannot be identified
var ErrVersionNotDetected = errors.New("failed to identify the Mono version")

const (
	legacyMonoModule  = "mono.dll"
	bdwgcMonoModule   = "mono-2.0-bdwgc.dll"
	unityPlayerModule = "UnityPlayer.dll"
)

// VersionFor maps a Unity editor version to the structure generation used by
// mono-2.0-bdwgc.dll
func VersionFor(major, minor int) Version {
	if (major == 2021 && minor >= 2) || major > 2021 {
		return V3
	}
	return V2
}

// DetectVersion identifies the Mono generation of the target. Games shipping the
// legacy mono.dll use V1 or V1Cattrs: the first class of Assembly-CSharp is read
// with the V1 layout, and when its name slot points back to the image the class
// struct carries the extra cattrs field. Everything else is decided by the
// version resource of UnityPlayer.dll.
func DetectVersion(mem um.Memory) (Version, error) {
	if um.HasModule(mem, legacyMonoModule) {
		return detectLegacyVersion(mem)
	}

	player, err := um.ModuleByName(mem, unityPlayerModule)
	if err != nil {
		return V1, fmt.Errorf("%w: %w", ErrVersionNotDetected, err)
	}
	if player.Version.IsZero() {
		return V1, fmt.Errorf("%w: %s has no version resource", ErrVersionNotDetected, unityPlayerModule)
	}
	return VersionFor(player.Version.Major, player.Version.Minor), nil
}

func detectLegacyVersion(mem um.Memory) (Version, error) {
	b, err := NewBackend(mem, V1)
	if err != nil {
		return V1, err
	}

	image, ok := unity.NewManager(b).DefaultImage()
	if !ok {
		return V1, fmt.Errorf("%w: %s not loaded", ErrVersionNotDetected, unity.DefaultImageName)
	}

	var first um.Address
	for class := range b.Classes(image.Address()) {
		first = class
		break
	}
	if first == um.InvalidAddress {
		return V1, fmt.Errorf("%w: %s has no classes", ErrVersionNotDetected, unity.DefaultImageName)
	}

	ptr, ok := um.ReadPointer(mem, first.Add(b.offsets.Class.Klass+b.offsets.Class.Name))
	if !ok {
		return V1, fmt.Errorf("%w: class %s unreadable", ErrVersionNotDetected, first)
	}
	if ptr == image.Address() {
		return V1Cattrs, nil
	}
	return V1, nil
}
