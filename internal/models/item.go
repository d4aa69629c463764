package models

import "fmt"

// Item is a single named, addressable field inside a layer. Items may carry
// nested items, addressed by id within their parent. Items reached through a
// packet snapshot are frozen: AddItem panics with ErrFrozen and the exported
// fields are read-only.
type Item struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Range string `json:"range,omitempty"`
	Value Value  `json:"value"`

	items  []*Item
	keys   map[string]int
	frozen bool
}

// NewItem creates an item holding data.
func NewItem(name, id string, data any) *Item {
	return &Item{Name: name, ID: id, Value: NewValue(data)}
}

// AddItem appends a nested item. A later item with the same id replaces the
// earlier one in the id index.
func (i *Item) AddItem(child *Item) {
	if i.frozen {
		panic(fmt.Errorf("item %q: %w", i.ID, ErrFrozen))
	}
	if child == nil {
		return
	}
	if i.keys == nil {
		i.keys = make(map[string]int)
	}
	i.items = append(i.items, child)
	i.keys[child.ID] = len(i.items) - 1
}

// Items returns the nested items in insertion order.
func (i *Item) Items() []*Item {
	out := make([]*Item, len(i.items))
	copy(out, i.items)
	return out
}

// Item returns the nested item with the given id, or nil.
func (i *Item) Item(id string) *Item {
	if idx, ok := i.keys[id]; ok {
		return i.items[idx]
	}
	return nil
}

// Frozen reports whether the item belongs to a snapshot.
func (i *Item) Frozen() bool {
	return i.frozen
}

// clone returns a frozen deep copy.
func (i *Item) clone() *Item {
	cp := &Item{Name: i.Name, ID: i.ID, Range: i.Range, Value: i.Value}
	for _, child := range i.items {
		cp.AddItem(child.clone())
	}
	cp.frozen = true
	return cp
}
