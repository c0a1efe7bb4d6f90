package unity

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	um "github.com/zhuweiyou/unitymemory"
)

type playerGraph struct {
	b       *fakeBackend
	m       *Manager
	static  um.Address
	list    um.Address
	player  um.Address
	players *fakeClass
}

// GameManager.playerList -> [0] -> Player.health
func newPlayerGraph(t *testing.T) *playerGraph {
	t.Helper()

	b := newFakeBackend()
	img := b.addAssembly(DefaultImageName)

	playerClass := &fakeClass{name: "Player", namespace: "Game", fields: []FieldInfo{
		{"name", 0x10},
		{"health", 0x1C},
	}}
	playerAddr := b.addClass(img, playerClass)
	listAddr := b.addClass(img, &fakeClass{name: "PlayerList", namespace: "Game"})

	static := b.mem.Alloc(0x20)
	b.addClass(img, &fakeClass{name: "GameManager", namespace: "Game", static: static, fields: []FieldInfo{
		{"instanceCount", 0x0},
		{"playerList", 0x8},
	}})

	player := b.newObject(playerAddr, 0x40)
	b.mem.PutInt32(player+0x1C, 100)

	// 列表对象的第一个字指向玩家
	list := b.mem.Alloc(0x20)
	b.mem.PutPointer(list, player)
	b.mem.PutPointer(list+0x8, listAddr)

	b.mem.PutPointer(static+0x8, list)

	return &playerGraph{
		b:       b,
		m:       NewManager(b),
		static:  static,
		list:    list,
		player:  player,
		players: playerClass,
	}
}

func (g *playerGraph) path() *PointerPath {
	return NewPointerPath(g.m, DefaultImageName, "Game.GameManager", 0,
		FieldHop("playerList"), Offset(0), FieldHop("health"))
}

func TestPointerPathDeref(t *testing.T) {
	g := newPlayerGraph(t)
	p := g.path()

	addr, ok := p.Deref()
	if !ok {
		t.Fatal("Deref() failed")
	}
	if want := g.player + 0x1C; addr != want {
		t.Fatalf("Deref() = %s, want %s", addr, want)
	}
	if diff := cmp.Diff([]int{0x8, 0x0, 0x1C}, p.Offsets()); diff != "" {
		t.Errorf("Offsets() mismatch (-want +got):\n%s", diff)
	}

	health, ok := DerefValue[int32](p)
	if !ok || health != 100 {
		t.Errorf("DerefValue() = %d, %v, want 100", health, ok)
	}

	// 只改值不改结构, 地址保持不变
	g.b.mem.PutInt32(g.player+0x1C, 42)

	again, ok := p.Deref()
	if !ok || again != addr {
		t.Errorf("second Deref() = %s, %v, want %s", again, ok, addr)
	}
	health, ok = DerefValue[int32](p)
	if !ok || health != 42 {
		t.Errorf("DerefValue() after update = %d, %v, want 42", health, ok)
	}
}

func TestPointerPathFollowsNewObjects(t *testing.T) {
	g := newPlayerGraph(t)
	p := g.path()
	if _, ok := p.Deref(); !ok {
		t.Fatal("Deref() failed")
	}

	// 换一个玩家对象, 偏移沿用缓存
	playerClass, _ := um.ReadPointer(g.b.mem, g.player)
	replacement := g.b.newObject(playerClass, 0x40)
	g.b.mem.PutInt32(replacement+0x1C, 7)
	g.b.mem.PutPointer(g.list, replacement)

	walks := g.b.fieldCallCount()
	health, ok := DerefValue[int32](p)
	if !ok || health != 7 {
		t.Errorf("DerefValue() = %d, %v, want 7", health, ok)
	}
	if g.b.fieldCallCount() != walks {
		t.Error("resolved hops were looked up again")
	}
}

func TestPointerPathResolvedIsMonotonic(t *testing.T) {
	g := newPlayerGraph(t)

	// health 字段还未出现
	g.b.mu.Lock()
	fields := g.players.fields
	g.players.fields = fields[:1]
	g.b.mu.Unlock()

	p := g.path()
	if _, ok := p.Deref(); ok {
		t.Fatal("Deref() succeeded without the health field")
	}
	if got := p.Resolved(); got != 2 {
		t.Fatalf("Resolved() = %d, want 2", got)
	}

	// 中途指针为空不会丢失已解析的偏移
	g.b.mem.PutPointer(g.static+0x8, 0)
	if _, ok := p.Deref(); ok {
		t.Fatal("Deref() succeeded through a null pointer")
	}
	if got := p.Resolved(); got != 2 {
		t.Fatalf("Resolved() after null pointer = %d, want 2", got)
	}

	g.b.mem.PutPointer(g.static+0x8, g.list)
	g.b.mu.Lock()
	g.players.fields = fields
	g.b.mu.Unlock()

	prev := p.Resolved()
	for range 3 {
		if _, ok := p.Deref(); !ok {
			t.Fatal("Deref() failed after the field appeared")
		}
		if got := p.Resolved(); got < prev {
			t.Fatalf("Resolved() decreased from %d to %d", prev, got)
		}
		prev = p.Resolved()
	}
	if prev != 3 {
		t.Errorf("Resolved() = %d, want 3", prev)
	}
}

func TestPointerPathWaitsForImage(t *testing.T) {
	b := newFakeBackend()
	m := NewManager(b)
	p := NewPointerPath(m, "Late", "Boot", 0, Offset(0x10))

	if _, ok := p.Deref(); ok {
		t.Fatal("Deref() succeeded without the assembly")
	}

	img := b.addAssembly("Late")
	static := b.mem.Alloc(0x20)
	b.addClass(img, &fakeClass{name: "Boot", static: static})

	addr, ok := p.Deref()
	if !ok || addr != static+0x10 {
		t.Errorf("Deref() = %s, %v, want %s", addr, ok, static+0x10)
	}
}

func TestPointerPathParentsAndInvalidate(t *testing.T) {
	b := newFakeBackend()
	img := b.addAssembly(DefaultImageName)
	firstStatic := b.mem.Alloc(0x20)
	base := b.addClass(img, &fakeClass{name: "Singleton", static: firstStatic, fields: []FieldInfo{{"instance", 0x0}}})
	b.addClass(img, &fakeClass{name: "Director", parent: base})

	p := NewPointerPath(NewManager(b), DefaultImageName, "Director", 1, FieldHop("instance"))
	addr, ok := p.Deref()
	if !ok || addr != firstStatic {
		t.Fatalf("Deref() = %s, %v, want %s", addr, ok, firstStatic)
	}

	// 静态表地址缓存在路径上, Invalidate 后重新读取
	if got, _ := p.Deref(); got != firstStatic {
		t.Errorf("Deref() = %s, want cached %s", got, firstStatic)
	}
	p.Invalidate()
	if got, ok := p.Deref(); !ok || got != firstStatic {
		t.Errorf("Deref() after Invalidate = %s, %v", got, ok)
	}
	if p.Resolved() != 1 {
		t.Errorf("Invalidate() dropped resolved hops: %d", p.Resolved())
	}
}

func TestPointerPathWithoutHops(t *testing.T) {
	b := newFakeBackend()
	img := b.addAssembly(DefaultImageName)
	static := b.mem.Alloc(0x10)
	b.addClass(img, &fakeClass{name: "Config", static: static})

	addr, ok := NewPointerPath(NewManager(b), DefaultImageName, "Config", 0).Deref()
	if !ok || addr != static {
		t.Errorf("Deref() = %s, %v, want %s", addr, ok, static)
	}
}

func TestPointerPathMissingClass(t *testing.T) {
	b := newFakeBackend()
	b.addAssembly(DefaultImageName)

	p := NewPointerPath(NewManager(b), DefaultImageName, "Nope", 0, Offset(0))
	if _, ok := p.Deref(); ok {
		t.Error("Deref() succeeded for a missing class")
	}
	if p.Resolved() != 0 {
		t.Errorf("Resolved() = %d, want 0", p.Resolved())
	}
}
