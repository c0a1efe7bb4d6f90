package il2cpp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	um "github.com/zhuweiyou/unitymemory"
)

// Version is a generation of the IL2CPP metadata structures
type Version int

const (
	Base Version = iota
	V2019
	V2020
	V2022
	V2023
	versionCount
)

func (v Version) String() string {
	switch v {
	case Base:
		return "Base"
	case V2019:
		return "V2019"
	case V2020:
		return "V2020"
	case V2022:
		return "V2022"
	case V2023:
		return "V2023"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// ParseVersion accepts the names printed by String, case-insensitively
func ParseVersion(s string) (Version, error) {
	for v := Base; v < versionCount; v++ {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return Base, fmt.Errorf("unknown IL2CPP version %q", s)
}

// ErrVersionNotDetected is returned when neither the version resource nor the
// metadata marker identify the IL2CPP generation
var ErrVersionNotDetected = errors.New("failed to identify the IL2CPP version")

const (
	unityPlayerModule  = "UnityPlayer.dll"
	gameAssemblyModule = "GameAssembly.dll"

	// metadata format 27 shipped with Unity 2020.2
	metadataV27 = 27
)

var (
	// any "20xx." text inside UnityPlayer marks a 20xx build
	unityVersionText = um.MustScanPattern(0, um.StringToPattern("20??.", 0))

	metadataVersionPattern = um.MustScanPattern(6, "48 2B ?? 48 2B ?? ?? ?? ?? ?? 48 F7 ?? 48")
)

// VersionFor maps a Unity editor version to the structure generation it uses
func VersionFor(major, minor int) Version {
	switch {
	case major >= 2023:
		return V2023
	case major == 2021 || major == 2022 || (major == 2020 && minor >= 2):
		return V2022
	case major == 2020:
		return V2020
	case major == 2019:
		return V2019
	default:
		return Base
	}
}

// DetectVersion identifies the IL2CPP generation of the target. The version
// resource of UnityPlayer.dll is used when present. Otherwise UnityPlayer is
// searched for a "20xx." version string and the global metadata header referenced
// from GameAssembly.dll decides between the 2019 and 2020 layouts.
func DetectVersion(mem um.Memory) (Version, error) {
	player, err := um.ModuleByName(mem, unityPlayerModule)
	if err != nil {
		return Base, err
	}
	if !player.Version.IsZero() {
		return VersionFor(player.Version.Major, player.Version.Minor), nil
	}

	scanner := um.NewScanner(mem)
	major, minor, ok := versionFromText(mem, scanner, player)
	if !ok {
		return Base, fmt.Errorf("%w: no version string in %s", ErrVersionNotDetected, unityPlayerModule)
	}
	if major < 2019 {
		return Base, nil
	}
	if v := VersionFor(major, minor); v >= V2022 {
		return v, nil
	}

	gameAssembly, err := um.ModuleByName(mem, gameAssemblyModule)
	if err != nil {
		return Base, err
	}

	ptr := scanner.ScanModule(metadataVersionPattern.WithResolver(um.RIPRelative(mem)), gameAssembly)
	if ptr == um.InvalidAddress {
		return Base, fmt.Errorf("%w: metadata version pattern not found", ErrVersionNotDetected)
	}
	header, ok := um.ReadPointer(mem, ptr)
	if !ok || header == um.InvalidAddress {
		return Base, fmt.Errorf("%w: metadata header pointer is null", ErrVersionNotDetected)
	}
	marker, ok := um.ReadUint32(mem, header+4)
	if !ok || marker == 0 || marker == 0xFFFFFFFF {
		return Base, fmt.Errorf("%w: invalid metadata version", ErrVersionNotDetected)
	}

	if marker >= metadataV27 {
		return V2020, nil
	}
	return V2019, nil
}

// versionFromText returns the first "major.minor" found in the module
func versionFromText(mem um.Memory, scanner *um.Scanner, module um.Module) (int, int, bool) {
	for addr := range scanner.ScanAll(unityVersionText, module.Region()) {
		text, ok := um.ReadCString(mem, addr, 16)
		if !ok {
			continue
		}
		major, minor, ok := parseUnityVersion(text)
		if ok {
			return major, minor, true
		}
	}
	return 0, 0, false
}

// parseUnityVersion parses the leading "2020.3" of strings like "2020.3.48f1"
func parseUnityVersion(text string) (int, int, bool) {
	majorText, rest, ok := strings.Cut(text, ".")
	if !ok || len(majorText) != 4 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majorText)
	if err != nil {
		return 0, 0, false
	}

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
