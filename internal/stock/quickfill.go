package stock

// QuickFill applies one quantity to every listed size of a design and color.
// Blank and repeated sizes are skipped.
func QuickFill(design, color string, sizes []string, quantity int) []TransferItem {
	items := make([]TransferItem, 0, len(sizes))
	seen := make(map[string]bool, len(sizes))
	for _, size := range sizes {
		key := NormalizeKey(design, color, size)
		if key.Size == "" || seen[key.Size] {
			continue
		}
		seen[key.Size] = true
		items = append(items, TransferItem{Key: key, Quantity: quantity})
	}
	return items
}
