package book

import (
	"fmt"
	"sort"

	"github.com/taleforge/api/internal/model"
)

// PrepayPolicy picks the preview pages of a book.
type PrepayPolicy func(m *Manifest) []int

// FlaggedOrFirstN selects pages flagged for prepay and pads with the lowest
// remaining page numbers until n pages are selected.
func FlaggedOrFirstN(n int) PrepayPolicy {
	return func(m *Manifest) []int {
		selected := make(map[int]bool)
		for _, p := range m.Pages {
			if p.Availability.Prepay {
				selected[p.PageNum] = true
			}
		}
		if len(selected) < n {
			for _, num := range allPageNums(m) {
				if len(selected) >= n {
					break
				}
				selected[num] = true
			}
		}
		return sortedKeys(selected)
	}
}

// FirstNVisible selects the first n postpay pages, skipping hidden ones.
func FirstNVisible(n int, hidden ...int) PrepayPolicy {
	skip := intSet(hidden)
	return func(m *Manifest) []int {
		var out []int
		for _, num := range postpayPageNums(m) {
			if len(out) >= n {
				break
			}
			if !skip[num] {
				out = append(out, num)
			}
		}
		return out
	}
}

// FirstAndLastVisible selects the first and last front-visible pages.
func FirstAndLastVisible(hidden ...int) PrepayPolicy {
	return func(m *Manifest) []int {
		visible := FrontPreviewPageNums(m, hidden...)
		if len(visible) == 0 {
			return nil
		}
		return dedupeSorted([]int{visible[0], visible[len(visible)-1]})
	}
}

// PolicyByName maps a configured policy name to a PrepayPolicy.
func PolicyByName(name string, n int, hidden []int) (PrepayPolicy, error) {
	switch name {
	case "", "flagged":
		return FlaggedOrFirstN(n), nil
	case "first_n_visible":
		return FirstNVisible(n, hidden...), nil
	case "first_last":
		return FirstAndLastVisible(hidden...), nil
	default:
		return nil, fmt.Errorf("unknown prepay policy %q", name)
	}
}

// FrontPreviewPageNums lists postpay pages that are not hidden from the
// front preview.
func FrontPreviewPageNums(m *Manifest, hidden ...int) []int {
	skip := intSet(hidden)
	var out []int
	for _, num := range postpayPageNums(m) {
		if !skip[num] {
			out = append(out, num)
		}
	}
	return out
}

// PageNumsForStage returns the strictly ascending page numbers produced in
// stage.
func PageNumsForStage(m *Manifest, stage model.Stage, policy PrepayPolicy) []int {
	switch stage {
	case model.StagePrepay:
		if policy == nil {
			policy = FlaggedOrFirstN(2)
		}
		return dedupeSorted(policy(m))
	case model.StagePostpay:
		return postpayPageNums(m)
	default:
		return nil
	}
}

// StageHasFaceSwap reports whether any page of stage needs a face swap.
func StageHasFaceSwap(m *Manifest, stage model.Stage, policy PrepayPolicy) bool {
	for _, num := range PageNumsForStage(m, stage, policy) {
		if p, ok := m.PageByNum(num); ok && p.NeedsFaceSwap {
			return true
		}
	}
	return false
}

// Resolver binds a prepay policy for the lifetime of the process.
type Resolver struct {
	policy PrepayPolicy
}

func NewResolver(policy PrepayPolicy) *Resolver {
	if policy == nil {
		policy = FlaggedOrFirstN(2)
	}
	return &Resolver{policy: policy}
}

func (r *Resolver) Pages(m *Manifest, stage model.Stage) []int {
	return PageNumsForStage(m, stage, r.policy)
}

func (r *Resolver) HasFaceSwap(m *Manifest, stage model.Stage) bool {
	return StageHasFaceSwap(m, stage, r.policy)
}

// Contains reports whether page belongs to the stage set.
func (r *Resolver) Contains(m *Manifest, stage model.Stage, page int) bool {
	for _, num := range r.Pages(m, stage) {
		if num == page {
			return true
		}
	}
	return false
}

func postpayPageNums(m *Manifest) []int {
	var nums []int
	for _, p := range m.Pages {
		if p.Availability.Postpay {
			nums = append(nums, p.PageNum)
		}
	}
	return dedupeSorted(nums)
}

func allPageNums(m *Manifest) []int {
	nums := make([]int, 0, len(m.Pages))
	for _, p := range m.Pages {
		nums = append(nums, p.PageNum)
	}
	return dedupeSorted(nums)
}

func intSet(nums []int) map[int]bool {
	set := make(map[int]bool, len(nums))
	for _, n := range nums {
		set[n] = true
	}
	return set
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func dedupeSorted(nums []int) []int {
	if len(nums) == 0 {
		return nil
	}
	cp := append([]int(nil), nums...)
	sort.Ints(cp)
	out := cp[:1]
	for _, n := range cp[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}
