// Package unity walks the type metadata of a Unity scripting runtime living in
// another process. The layout specific parts are supplied by a Backend (see the
// il2cpp and mono subpackages); everything here is shared between them.
package unity

import (
	"errors"
	"iter"

	um "github.com/zhuweiyou/unitymemory"
)

// DefaultImageName is the image holding the game's own scripts
const DefaultImageName = "Assembly-CSharp"

var (
	// ErrImageNotFound is returned when no loaded assembly has the requested name
	ErrImageNotFound = errors.New("image not found")
	// ErrClassNotFound is returned when an image has no class with the requested name
	ErrClassNotFound = errors.New("class not found")
	// ErrFieldNotFound is returned when neither a class nor its ancestors declare a field
	ErrFieldNotFound = errors.New("field not found")
)

// FieldInfo is one field declared directly on a class
type FieldInfo struct {
	Name   string
	Offset int
}

// Backend reads the runtime specific structures. Every method reports failure with
// a false result instead of an error: unreadable memory is expected while a game
// is loading.
type Backend interface {
	// Memory returns the process the backend reads from
	Memory() um.Memory

	// Assemblies yields the address of every loaded assembly
	Assemblies() iter.Seq[um.Address]
	AssemblyName(assembly um.Address) (string, bool)
	AssemblyImage(assembly um.Address) (um.Address, bool)

	// Classes yields the address of every class known to an image
	Classes(image um.Address) iter.Seq[um.Address]
	ClassName(class um.Address) (string, bool)
	ClassNamespace(class um.Address) (string, bool)
	// ClassParent returns the base class, or false for a root class
	ClassParent(class um.Address) (um.Address, bool)
	// ClassImage returns the owning image; false if the runtime does not record it
	ClassImage(class um.Address) (um.Address, bool)
	// Fields yields the fields declared by the class itself, not its ancestors
	Fields(class um.Address) iter.Seq[FieldInfo]
	StaticTable(class um.Address) (um.Address, bool)

	// ObjectClass returns the runtime class of a managed object
	ObjectClass(object um.Address) (um.Address, bool)
}
