// Package slicemap implements a uint16-keyed arraymap as plain free
// functions over a []*T, for callers that want to store their own slice
// field rather than holding a wrapper struct.
package slicemap

// GetAt gets the item at idx, returning nil if not found.
func GetAt[T any](items []*T, idx uint16) *T {
	if int(idx) >= len(items) {
		return nil
	}
	return items[idx]
}

// SetAt inserts item into items at idx, extending items to fit if necessary.
func SetAt[T any](items []*T, idx uint16, item *T) []*T {
	if int(idx) >= len(items) {
		toAdd := int(idx) + 1 - len(items)
		items = append(items, make([]*T, toAdd)...)
	}
	items[idx] = item
	return items
}

// ToMap converts items into a map keyed by index, omitting nil entries.
func ToMap[T any](items []*T) map[uint16]*T {
	result := make(map[uint16]*T, len(items))
	for idx, item := range items {
		if item != nil {
			result[uint16(idx)] = item
		}
	}
	return result
}
