package workbook

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/formula"
)

// foldName is the lookup key for worksheet and defined names, which are
// case-insensitive.
func foldName(name string) string {
	return cases.Fold().String(name)
}

// worksheetTable manages worksheet names and IDs. A name referenced by a
// formula before the worksheet exists is interned as undefined, so that
// defining it later keeps the ID the formula already depends on.
type worksheetTable struct {
	byKey   map[string]uint32 // folded name -> ID, defined or not
	names   map[uint32]string // ID -> name as written
	defined map[uint32]struct{}
	nextID  uint32
}

func newWorksheetTable() *worksheetTable {
	return &worksheetTable{
		byKey:   make(map[string]uint32),
		names:   make(map[uint32]string),
		defined: make(map[uint32]struct{}),
		nextID:  1, // 0 is never a worksheet
	}
}

// intern returns the ID for name, adding it as undefined if needed.
func (wt *worksheetTable) intern(name string) uint32 {
	key := foldName(name)
	if id, ok := wt.byKey[key]; ok {
		return id
	}
	id := wt.nextID
	wt.nextID++
	wt.byKey[key] = id
	wt.names[id] = name
	return id
}

// define interns name and marks it defined, taking the spelling given.
func (wt *worksheetTable) define(name string) uint32 {
	id := wt.intern(name)
	wt.names[id] = name
	wt.defined[id] = struct{}{}
	return id
}

// undefine keeps the ID interned so references survive as undefined.
func (wt *worksheetTable) undefine(id uint32) {
	delete(wt.defined, id)
}

// rename moves a defined worksheet to a new name. A pending undefined
// entry under the new name is dropped; its ID is returned so callers can
// rebind the formulas that referenced it.
func (wt *worksheetTable) rename(id uint32, newName string) (orphan uint32) {
	newKey := foldName(newName)
	if prev, ok := wt.byKey[newKey]; ok && prev != id {
		orphan = prev
		delete(wt.names, prev)
	}
	delete(wt.byKey, foldName(wt.names[id]))
	wt.byKey[newKey] = id
	wt.names[id] = newName
	return orphan
}

func (wt *worksheetTable) lookup(name string) (id uint32, defined bool) {
	id, ok := wt.byKey[foldName(name)]
	if !ok {
		return 0, false
	}
	_, defined = wt.defined[id]
	return id, defined
}

func (wt *worksheetTable) isDefined(id uint32) bool {
	_, ok := wt.defined[id]
	return ok
}

// definedIDs returns the defined worksheet IDs in creation order.
func (wt *worksheetTable) definedIDs() []uint32 {
	return slices.Sorted(maps.Keys(wt.defined))
}

// undefinedNames returns names referenced by formulas but never defined.
func (wt *worksheetTable) undefinedNames() []string {
	var out []string
	for id, name := range wt.names {
		if !wt.isDefined(id) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// definedName is a workbook-level name for a range.
type definedName struct {
	Name string
	Ref  address.Range
}

// namedRangeTable holds defined names keyed by folded name.
type namedRangeTable struct {
	byKey map[string]definedName
}

func newNamedRangeTable() *namedRangeTable {
	return &namedRangeTable{byKey: make(map[string]definedName)}
}

func (nt *namedRangeTable) define(name string, r address.Range) {
	nt.byKey[foldName(name)] = definedName{Name: name, Ref: r}
}

func (nt *namedRangeTable) undefine(name string) bool {
	key := foldName(name)
	_, ok := nt.byKey[key]
	delete(nt.byKey, key)
	return ok
}

func (nt *namedRangeTable) get(name string) (definedName, bool) {
	dn, ok := nt.byKey[foldName(name)]
	return dn, ok
}

// shift applies a structural edit to every name on the worksheet. Names
// whose range was deleted are removed and returned.
func (nt *namedRangeTable) shift(worksheetID uint32, axis address.Axis, pivot uint32, delta int) []string {
	var removed []string
	for key, dn := range nt.byKey {
		if dn.Ref.WorksheetID != worksheetID {
			continue
		}
		r, ok := dn.Ref.Shifted(axis, pivot, delta)
		if !ok {
			delete(nt.byKey, key)
			removed = append(removed, dn.Name)
			continue
		}
		dn.Ref = r
		nt.byKey[key] = dn
	}
	slices.Sort(removed)
	return removed
}

// dropWorksheet removes the names pointing into a worksheet.
func (nt *namedRangeTable) dropWorksheet(worksheetID uint32) []string {
	var removed []string
	for key, dn := range nt.byKey {
		if dn.Ref.WorksheetID == worksheetID {
			delete(nt.byKey, key)
			removed = append(removed, dn.Name)
		}
	}
	slices.Sort(removed)
	return removed
}

func (nt *namedRangeTable) list() []definedName {
	out := slices.Collect(maps.Values(nt.byKey))
	slices.SortFunc(out, func(a, b definedName) int {
		return strings.Compare(foldName(a.Name), foldName(b.Name))
	})
	return out
}

// nameTables is the formula.Names view of a workbook. It has its own lock
// because it is consulted while the engine lock is held.
type nameTables struct {
	mu          sync.RWMutex
	worksheets  *worksheetTable
	namedRanges *namedRangeTable
}

var _ formula.Names = (*nameTables)(nil)

func newNameTables() *nameTables {
	return &nameTables{
		worksheets:  newWorksheetTable(),
		namedRanges: newNamedRangeTable(),
	}
}

func (t *nameTables) WorksheetID(name string) (uint32, bool) {
	t.mu.RLock()
	id, defined := t.worksheets.lookup(name)
	t.mu.RUnlock()
	if id != 0 {
		return id, defined
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id = t.worksheets.intern(name)
	return id, t.worksheets.isDefined(id)
}

func (t *nameTables) DefinedName(name string) (address.Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dn, ok := t.namedRanges.get(name)
	return dn.Ref, ok
}

// worksheetName returns the name of a worksheet ID, defined or not.
func (t *nameTables) worksheetName(id uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.worksheets.names[id]
	return name, ok
}

func (t *nameTables) definedWorksheet(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, defined := t.worksheets.lookup(name)
	return id, defined
}

func (t *nameTables) firstWorksheet() (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.worksheets.definedIDs()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}
