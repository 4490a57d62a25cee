package circulation

// AvailableCopies returns how many copies of an item are free to hand out,
// never negative even if open loans drift past the copy count.
func AvailableCopies(totalCopies, openLoans int) int {
	if free := totalCopies - openLoans; free > 0 {
		return free
	}
	return 0
}

// ItemAvailability is the read-only availability view of one catalog item.
type ItemAvailability struct {
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	TotalCopies int    `json:"total_copies"`
	Borrowed    int    `json:"borrowed"`
	Available   int    `json:"available"`
}
